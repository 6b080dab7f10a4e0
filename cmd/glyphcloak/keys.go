package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/polisai/glyphcloak/pkg/cipher"
	"github.com/polisai/glyphcloak/pkg/fontmap"
	"github.com/polisai/glyphcloak/pkg/keystore"
)

// keyRecord is the key material of one cloaking font as stored in a keys
// file. Mappings are rebuilt from it, never stored.
type keyRecord struct {
	Font      string `json:"font"`
	SecretKey int64  `json:"secretKey"`
	Nonce     int64  `json:"nonce"`
	FontURL   string `json:"fontUrl,omitempty"`
}

func writeKeys(path string, store *keystore.Store) error {
	var records []keyRecord
	for _, font := range store.Fonts() {
		e, ok := store.Get(font)
		if !ok {
			continue
		}
		records = append(records, keyRecord{Font: font, SecretKey: e.Key.SecretKey, Nonce: e.Key.Nonce, FontURL: e.FontURL})
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}

func storeFromRecords(records []keyRecord) (*keystore.Store, error) {
	store := keystore.New()
	for _, r := range records {
		key := cipher.KeyMaterial{SecretKey: r.SecretKey, Nonce: r.Nonce}
		m, err := cipher.BuildMapping(key)
		if err != nil {
			return nil, fmt.Errorf("font %s: %w", r.Font, err)
		}
		font := r.Font
		if font == "" {
			font = fontmap.Family(key)
		}
		store.Put(font, keystore.Entry{Key: key, Mapping: m, FontURL: r.FontURL, SpaceChar: m.SpaceChar()})
	}
	return store, nil
}

// keyFlags selects key material from a keys file or from explicit flags.
type keyFlags struct {
	file      string
	secretKey int64
	nonce     int64
}

func (k *keyFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&k.file, "keys", "", "Keys file written by the page command")
	k.registerKey(cmd)
}

func (k *keyFlags) registerKey(cmd *cobra.Command) {
	cmd.Flags().Int64Var(&k.secretKey, "secret-key", 0, "Secret key (defaults to the configured service key)")
	cmd.Flags().Int64Var(&k.nonce, "nonce", 0, "Nonce of the mapping")
}

func (k *keyFlags) key(cmd *cobra.Command, a *app) (cipher.KeyMaterial, error) {
	if !cmd.Flags().Changed("nonce") {
		return cipher.KeyMaterial{}, errors.New("--nonce is required")
	}
	key := cipher.KeyMaterial{SecretKey: a.cfg.Service.SecretKey, Nonce: k.nonce}
	if cmd.Flags().Changed("secret-key") {
		key.SecretKey = k.secretKey
	}
	return key, key.Validate()
}

func (k *keyFlags) store(cmd *cobra.Command, a *app) (*keystore.Store, error) {
	if k.file != "" {
		data, err := os.ReadFile(k.file)
		if err != nil {
			return nil, err
		}
		var records []keyRecord
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, fmt.Errorf("parse %s: %w", k.file, err)
		}
		return storeFromRecords(records)
	}
	key, err := k.key(cmd, a)
	if err != nil {
		return nil, fmt.Errorf("either --keys or --nonce is required: %w", err)
	}
	return storeFromRecords([]keyRecord{{SecretKey: key.SecretKey, Nonce: key.Nonce}})
}
