package notebook

import (
	"fmt"
	"strings"
)

// MagicName is the cell magic that marks an agent cell.
const MagicName = "%%bot"

// MagicSpec is the decoded flag set of an agent cell's magic line.
type MagicSpec struct {
	Stage    string
	Planning bool
	Flow     string
	Remain   []string
}

// EffectiveFlow resolves the flow name: -P without an explicit flow selects
// the planning flow.
func (m *MagicSpec) EffectiveFlow() string {
	if m.Flow == "" && m.Planning {
		return "planning"
	}
	return m.Flow
}

// CellType maps the resolved flow to the agent cell type. Planning flows
// produce planning cells, everything else is a task cell.
func (m *MagicSpec) CellType() CellType {
	if strings.HasPrefix(m.EffectiveFlow(), "planning") {
		return CellPlanning
	}
	return CellTask
}

// ParseMagicLine decodes a "%%bot ..." line. Unknown arguments are kept in
// Remain and survive reserialization.
func ParseMagicLine(line string) (*MagicSpec, error) {
	args, err := SplitArgs(strings.TrimSpace(line))
	if err != nil {
		return nil, err
	}
	if len(args) == 0 || args[0] != MagicName {
		return nil, fmt.Errorf("not an agent cell: %q", line)
	}
	spec := &MagicSpec{}
	args = args[1:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-P", "--planning":
			spec.Planning = true
		case "-f", "--flow":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("flag %s: missing value", args[i])
			}
			i++
			spec.Flow = args[i]
		case "-s", "--stage":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("flag %s: missing value", args[i])
			}
			i++
			spec.Stage = args[i]
		default:
			spec.Remain = append(spec.Remain, args[i])
		}
	}
	return spec, nil
}

// MagicLine renders the magic line back from the spec.
func (m *MagicSpec) MagicLine() string {
	args := []string{MagicName}
	if m.Stage != "" {
		args = append(args, "-s", m.Stage)
	}
	if m.Planning && m.Flow == "" {
		args = append(args, "-P")
	} else if m.Flow != "" {
		args = append(args, "-f", m.Flow)
	}
	args = append(args, m.Remain...)
	return JoinArgs(args)
}

// AgentCell is a parsed %%bot cell: the magic line, the options block and
// the generated body below it.
type AgentCell struct {
	Spec    *MagicSpec
	Data    Data
	Body    string
	rawOpts string
}

// ParseAgentCell splits an agent cell source into its magic line, options
// block and body, decoding options into agent data.
func ParseAgentCell(source string) (*AgentCell, error) {
	magicLine, rest, _ := strings.Cut(source, "\n")
	spec, err := ParseMagicLine(magicLine)
	if err != nil {
		return nil, err
	}
	cell := &AgentCell{Spec: spec}
	if block, body, ok := cutOptionsBlock(rest); ok {
		cell.rawOpts = block
		cell.Body = body
		if err := ParseOptions(block, &cell.Data); err != nil {
			return nil, err
		}
	} else {
		cell.Body = rest
	}
	return cell, nil
}

func cutOptionsBlock(source string) (block, body string, ok bool) {
	trimmed := strings.TrimLeft(source, "\n")
	if !strings.HasPrefix(trimmed, optionsHeader) {
		return "", source, false
	}
	idx := strings.Index(trimmed, optionsFooter)
	if idx < 0 {
		return "", source, false
	}
	end := idx + len(optionsFooter)
	block = trimmed[:end]
	body = strings.TrimPrefix(trimmed[end:], "\n")
	return block, body, true
}

// Source reserializes the cell: magic line, options block, body.
func (c *AgentCell) Source(saveMetadata bool) string {
	opts := FormatOptions(&c.Data, c.Spec.CellType(), saveMetadata, nowFn())
	return c.Spec.MagicLine() + "\n" + opts + "\n" + c.Body
}

// SplitArgs tokenizes a command line with shell-style single and double
// quoting.
func SplitArgs(line string) ([]string, error) {
	var args []string
	var cur strings.Builder
	var quote rune
	pending := false
	for _, r := range line {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			pending = true
		case r == ' ' || r == '\t':
			if pending || cur.Len() > 0 {
				args = append(args, cur.String())
				cur.Reset()
				pending = false
			}
		default:
			cur.WriteRune(r)
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unclosed quote in %q", line)
	}
	if pending || cur.Len() > 0 {
		args = append(args, cur.String())
	}
	return args, nil
}

// JoinArgs renders args back to a command line, quoting where needed.
func JoinArgs(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = quoteArg(a)
	}
	return strings.Join(quoted, " ")
}

func quoteArg(a string) string {
	if a != "" && !strings.ContainsAny(a, " \t\"'\\$`") {
		return a
	}
	return "'" + strings.ReplaceAll(a, "'", `'"'"'`) + "'"
}
