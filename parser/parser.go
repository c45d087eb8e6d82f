// Package parser extracts structured output from an AI assistant's
// response text: code blocks destined for workspace files, shell
// commands to run, and an optional leading plan. It is deliberately
// forgiving — model output is messy — but never extracts a block it
// cannot attribute to a file or command.
package parser

import (
	"encoding/json"
	"regexp"
	"strings"
)

// CodeBlock is a fenced block attributed to a workspace file.
type CodeBlock struct {
	Filename string
	Language string // "plaintext" when the fence carries no language
	Content  string
}

// Command is one shell command extracted from a shell-language block.
type Command struct {
	Name string   // first token, e.g. "npm"
	Args []string // remaining tokens
	Raw  string   // the full line as written
}

// Plan is the optional machine-readable step list some responses open with.
type Plan struct {
	Steps []string `json:"steps"`
}

// Result holds everything extracted from one response.
type Result struct {
	Blocks   []CodeBlock
	Commands []Command
	Plan     *Plan
}

// filenameAttr matches filename="..." / file='...' / filename=... in a
// fence info string.
var filenameAttr = regexp.MustCompile(`(?:filename|file)=(?:"([^"]+)"|'([^']+)'|(\S+))`)

// commentPath matches a first-line comment that names a file, e.g.
// "// src/App.tsx" or "# path: scripts/build.sh".
var commentPath = regexp.MustCompile(`(?i)^\s*(?://|#|--|;|/\*|<!--)\s*(?:path:\s*)?([\w./@-]+\.[\w-]+)\s*(?:\*/|-->)?\s*$`)

// shellLanguages are fence languages whose blocks hold commands, not files.
var shellLanguages = map[string]bool{
	"bash": true, "sh": true, "zsh": true, "shell": true,
}

// Parse extracts all blocks, commands, and the plan from a complete
// response. Unterminated fences are ignored entirely — a block is only
// extracted once its closing fence has been seen.
func Parse(response string) Result {
	var result Result
	firstBlock := true

	for _, raw := range extractFences(response) {
		lang, filename := parseInfo(raw.info)
		content := trimOuterBlankLines(raw.body)

		// A leading ```json {"steps": [...]} block is the plan
		if firstBlock && lang == "json" && filename == "" {
			if plan := parsePlan(content); plan != nil {
				result.Plan = plan
				firstBlock = false
				continue
			}
		}
		firstBlock = false

		if shellLanguages[lang] && filename == "" {
			// A shell fence whose first line names a file is a script
			// file, not a command list
			if m := firstLinePath(content); m != "" {
				result.Blocks = append(result.Blocks, CodeBlock{
					Filename: m,
					Language: lang,
					Content:  stripFirstLine(content),
				})
				continue
			}
			result.Commands = append(result.Commands, parseCommands(content)...)
			continue
		}

		if filename == "" {
			// Fall back to the comment-path heuristic
			filename = firstLinePath(content)
			if filename == "" {
				continue // prose or unattributable block, skip
			}
			content = stripFirstLine(content)
		}

		result.Blocks = append(result.Blocks, CodeBlock{
			Filename: filename,
			Language: lang,
			Content:  content,
		})
	}

	return result
}

// rawFence is one complete fenced block before attribution.
type rawFence struct {
	info string
	body string
}

// extractFences scans the response line by line for complete fenced
// blocks. Content inside a fence is taken verbatim; a fence without a
// closing line yields nothing.
func extractFences(response string) []rawFence {
	var fences []rawFence
	lines := strings.Split(response, "\n")

	i := 0
	for i < len(lines) {
		trimmed := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(trimmed, "```") {
			i++
			continue
		}

		info := strings.TrimSpace(strings.TrimPrefix(trimmed, "```"))
		var body []string
		closed := false
		j := i + 1
		for ; j < len(lines); j++ {
			if strings.TrimSpace(lines[j]) == "```" {
				closed = true
				break
			}
			body = append(body, lines[j])
		}
		if !closed {
			break // unterminated: ignore the rest
		}
		fences = append(fences, rawFence{info: info, body: strings.Join(body, "\n")})
		i = j + 1
	}
	return fences
}

// parseInfo splits a fence info string into language and filename.
func parseInfo(info string) (lang, filename string) {
	if m := filenameAttr.FindStringSubmatch(info); m != nil {
		for _, g := range m[1:] {
			if g != "" {
				filename = g
				break
			}
		}
		info = strings.TrimSpace(filenameAttr.ReplaceAllString(info, ""))
	}
	lang = strings.ToLower(strings.TrimSpace(strings.SplitN(info+" ", " ", 2)[0]))
	if lang == "" {
		lang = "plaintext"
	}
	return lang, filename
}

// firstLinePath returns the path named by a leading comment line, or "".
func firstLinePath(content string) string {
	first := content
	if idx := strings.IndexByte(content, '\n'); idx >= 0 {
		first = content[:idx]
	}
	if m := commentPath.FindStringSubmatch(first); m != nil {
		return strings.TrimPrefix(m[1], "./")
	}
	return ""
}

// stripFirstLine drops the first line plus any blank lines after it.
func stripFirstLine(content string) string {
	idx := strings.IndexByte(content, '\n')
	if idx < 0 {
		return ""
	}
	return trimOuterBlankLines(content[idx+1:])
}

// trimOuterBlankLines removes leading and trailing blank lines while
// preserving all interior whitespace and indentation.
func trimOuterBlankLines(content string) string {
	lines := strings.Split(content, "\n")
	start := 0
	for start < len(lines) && strings.TrimSpace(lines[start]) == "" {
		start++
	}
	end := len(lines)
	for end > start && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	return strings.Join(lines[start:end], "\n")
}

// parseCommands extracts commands from a shell block: one per non-empty,
// non-comment line.
func parseCommands(content string) []Command {
	var commands []Command
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		// Strip a "$ " prompt prefix models sometimes include
		trimmed = strings.TrimPrefix(trimmed, "$ ")
		fields := strings.Fields(trimmed)
		if len(fields) == 0 {
			continue
		}
		commands = append(commands, Command{
			Name: fields[0],
			Args: fields[1:],
			Raw:  trimmed,
		})
	}
	return commands
}

// parsePlan decodes a {"steps": [...]} JSON object, returning nil when
// the content is anything else.
func parsePlan(content string) *Plan {
	var plan Plan
	if err := json.Unmarshal([]byte(content), &plan); err != nil {
		return nil
	}
	if len(plan.Steps) == 0 {
		return nil
	}
	return &plan
}
