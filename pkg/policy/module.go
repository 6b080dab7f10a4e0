package policy

// DefaultModule cloaks HTML documents, passes everything else through and
// refuses HTML to user agents listed in input.blocked_agents.
const DefaultModule = `package glyphcloak

default action := "cloak"

action := "passthrough" if not html

action := "block" if {
	html
	blocked_agent
}

default reason := ""

reason := "not an html document" if not html

reason := "blocked user agent" if {
	html
	blocked_agent
}

html if startswith(lower(input.content_type), "text/html")

blocked_agent if {
	some agent in input.blocked_agents
	agent != ""
	contains(lower(input.user_agent), lower(agent))
}

decision := {"action": action, "reason": reason}
`
