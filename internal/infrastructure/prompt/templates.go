package prompt

import (
	"encoding/json"
	"strings"

	"github.com/ZeroTricks/lumo-tamer-sub000/internal/domain/entity"
)

// Templates are the configured instruction fragments. They compose the
// text sent to the backend in place of a system prompt, including the
// advertisement of the caller's custom tools — which the backend only
// ever sees as string content, never as native tool definitions.
type Templates struct {
	Template      string // outer template
	Fallback      string // used when the client sent no instructions
	ForTools      string // fragment advertising custom tools
	ForToolBounce string // instruction preceding the bounce JSON example
}

// Render substitutes {{var}} placeholders and resolves
// {{#if var}}…{{else}}…{{/if}} blocks (non-nested) against vars. A
// variable is truthy when present and non-empty. Unknown {{var}}
// placeholders render empty.
func Render(tmpl string, vars map[string]string) string {
	var out strings.Builder

	for {
		start := strings.Index(tmpl, "{{")
		if start < 0 {
			out.WriteString(tmpl)
			break
		}
		out.WriteString(tmpl[:start])
		tmpl = tmpl[start:]

		end := strings.Index(tmpl, "}}")
		if end < 0 {
			out.WriteString(tmpl)
			break
		}
		tag := strings.TrimSpace(tmpl[2:end])
		tmpl = tmpl[end+2:]

		if name, ok := strings.CutPrefix(tag, "#if "); ok {
			thenPart, elsePart, rest := splitIfBlock(tmpl)
			if vars[strings.TrimSpace(name)] != "" {
				out.WriteString(Render(thenPart, vars))
			} else {
				out.WriteString(Render(elsePart, vars))
			}
			tmpl = rest
			continue
		}

		out.WriteString(vars[tag])
	}

	return out.String()
}

// splitIfBlock cuts the body following a {{#if}} tag into its then and
// else branches plus whatever follows {{/if}}.
func splitIfBlock(s string) (thenPart, elsePart, rest string) {
	endIdx := strings.Index(s, "{{/if}}")
	if endIdx < 0 {
		return s, "", ""
	}
	body := s[:endIdx]
	rest = s[endIdx+len("{{/if}}"):]

	if elseIdx := strings.Index(body, "{{else}}"); elseIdx >= 0 {
		return body[:elseIdx], body[elseIdx+len("{{else}}"):], rest
	}
	return body, "", rest
}

// ComposeInstructions renders the full instruction text for one request:
// the outer template with the custom-tool advertisement and either the
// client's own instructions or the configured fallback.
func ComposeInstructions(tmpls Templates, prefix string, tools []entity.ToolDefinition, clientInstructions string) string {
	vars := map[string]string{
		"prefix":             prefix,
		"clientInstructions": clientInstructions,
		"fallback":           tmpls.Fallback,
	}

	if len(tools) > 0 {
		vars["tools"] = toolCatalog(prefix, tools)
		vars["forTools"] = Render(tmpls.ForTools, vars)
	}

	return strings.TrimSpace(Render(tmpls.Template, vars))
}

// BounceInstruction renders the instruction text that precedes the
// pretty-printed JSON example on a bounce request.
func BounceInstruction(tmpls Templates, prefix string) string {
	return strings.TrimSpace(Render(tmpls.ForToolBounce, map[string]string{"prefix": prefix}))
}

// toolCatalog serializes the custom tools with their prefixed names so
// the model emits the prefixed form the detector expects to strip.
func toolCatalog(prefix string, tools []entity.ToolDefinition) string {
	type wireTool struct {
		Name        string                 `json:"name"`
		Description string                 `json:"description,omitempty"`
		Parameters  map[string]interface{} `json:"parameters,omitempty"`
	}

	list := make([]wireTool, 0, len(tools))
	for _, t := range tools {
		list = append(list, wireTool{
			Name:        prefix + t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}

	body, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return "[]"
	}
	return string(body)
}
