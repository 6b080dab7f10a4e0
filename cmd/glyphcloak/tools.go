package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/atotto/clipboard"
	"github.com/spf13/cobra"

	"github.com/polisai/glyphcloak/pkg/cipher"
	"github.com/polisai/glyphcloak/pkg/dom"
	"github.com/polisai/glyphcloak/pkg/fontmap"
	"github.com/polisai/glyphcloak/pkg/interact"
)

func errRequired(flag string) error {
	return fmt.Errorf("%s is required", flag)
}

func newDecryptCmd(a *app) *cobra.Command {
	var (
		keys      keyFlags
		font      string
		useClip   bool
		useRemote bool
	)
	cmd := &cobra.Command{
		Use:   "decrypt [cipher text]",
		Short: "Turn cipher text back into plain text",
		Long: `decrypt reads cipher text from the arguments, the clipboard (--clipboard)
or stdin, and prints the plain text. With --clipboard the plain text is
also copied back to the clipboard.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := decryptInput(cmd, args, useClip)
			if err != nil {
				return err
			}
			store, err := keys.store(cmd, a)
			if err != nil {
				return err
			}

			var opts []interact.CopierOption
			opts = append(opts, interact.WithCopyLogger(a.logger))
			if useRemote {
				be, err := a.backend(nil)
				if err != nil {
					return err
				}
				// Remote decryption only runs for fonts without a local mapping.
				opts = append(opts, interact.WithRemote(be, a.cfg.Proxy.CopyTimeout))
			}
			clip := interact.NewCopier(store, opts...).Copy(cmd.Context(), interact.Selection{Text: text, Font: font})
			if !clip.Intercepted {
				return errors.New("no key material for the selection")
			}
			a.logger.Debug("Decrypted", "source", clip.Source)

			fmt.Fprintln(cmd.OutOrStdout(), clip.Text)
			if useClip {
				if err := clipboard.WriteAll(clip.Text); err != nil {
					return fmt.Errorf("write clipboard: %w", err)
				}
			}
			return nil
		},
	}
	keys.register(cmd)
	cmd.Flags().StringVar(&font, "font", "", "Font family the text was rendered with")
	cmd.Flags().BoolVar(&useClip, "clipboard", false, "Read from and write to the system clipboard")
	cmd.Flags().BoolVar(&useRemote, "remote", false, "Fall back to the transform service")
	return cmd
}

func decryptInput(cmd *cobra.Command, args []string, useClip bool) (string, error) {
	switch {
	case len(args) > 0:
		return strings.Join(args, " "), nil
	case useClip:
		text, err := clipboard.ReadAll()
		if err != nil {
			return "", fmt.Errorf("read clipboard: %w", err)
		}
		return text, nil
	default:
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", err
		}
		return strings.TrimRight(string(data), "\r\n"), nil
	}
}

func newSearchCmd(a *app) *cobra.Command {
	var (
		keys            keyFlags
		out             string
		caseInsensitive bool
	)
	cmd := &cobra.Command{
		Use:   "search <cloaked.html> <query>",
		Short: "Find plain text in a cloaked page",
		Long: `search lists every hit of the query in a cloaked page. With --output the
page is written with the hits highlighted and the first one marked current.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			doc, err := dom.Parse(string(raw))
			if err != nil {
				return err
			}
			store, err := keys.store(cmd, a)
			if err != nil {
				return err
			}

			opts := a.cfg.Search.ToSearch()
			if cmd.Flags().Changed("ignore-case") {
				opts.CaseInsensitive = caseInsensitive
			}
			search := interact.NewSearch(doc, store, opts)
			n := search.SetQuery(args[1])

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%d matches for %q\n", n, args[1])
			for i, m := range search.Matches() {
				font, _ := dom.Attr(m.Container, dom.CloakAttr)
				plain := []rune(store.DecryptFor(font, dom.TextContent(m.Container)))
				fmt.Fprintf(w, "%d\t%s\t%s\n", i+1, m.Variant, excerpt(plain, m.Start, m.End))
			}

			if out == "" {
				return nil
			}
			rendered, err := dom.Render(doc)
			if err != nil {
				return err
			}
			return writeOutput(out, rendered, w)
		},
	}
	keys.register(cmd)
	cmd.Flags().StringVarP(&out, "output", "o", "", "Write the highlighted page to this file")
	cmd.Flags().BoolVarP(&caseInsensitive, "ignore-case", "i", false, "Match lower, upper and title case forms too")
	return cmd
}

// excerpt shows the hit with some context, the hit in brackets.
func excerpt(text []rune, start, end int) string {
	const context = 20
	if start < 0 || end > len(text) || start > end {
		return string(text)
	}
	from := max(0, start-context)
	to := min(len(text), end+context)
	return string(text[from:start]) + "[" + string(text[start:end]) + "]" + string(text[end:to])
}

func newGlyphsCmd(a *app) *cobra.Command {
	var (
		keys     keyFlags
		fontPath string
	)
	cmd := &cobra.Command{
		Use:   "glyphs",
		Short: "Print the glyph contract a cloaking font must satisfy",
		Long: `glyphs prints, for one key, which glyph every cipher character must show.
With --font the base font is checked for the glyphs and slots the contract
needs.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := keys.key(cmd, a)
			if err != nil {
				return err
			}
			m, err := cipher.BuildMapping(key)
			if err != nil {
				return err
			}
			contract := fontmap.Build(key, m)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(contract); err != nil {
				return err
			}

			if fontPath == "" {
				return nil
			}
			data, err := os.ReadFile(fontPath)
			if err != nil {
				return err
			}
			cov, err := fontmap.CheckCoverage(data, contract)
			if errors.Is(err, fontmap.ErrUnverifiable) {
				a.logger.Warn("Font coverage cannot be checked", "font", fontPath, "error", err)
				return nil
			}
			if err != nil {
				return err
			}
			if !cov.Complete() {
				return fmt.Errorf("base font lacks %d slots (%q) and %d glyphs (%q)",
					len(cov.MissingSlots), string(cov.MissingSlots), len(cov.MissingGlyphs), string(cov.MissingGlyphs))
			}
			a.logger.Info("Base font covers the contract", "font", fontPath, "file", contract.FileName)
			return nil
		},
	}
	keys.registerKey(cmd)
	cmd.Flags().StringVar(&fontPath, "font", "", "TrueType or OpenType base font to check")
	return cmd
}
