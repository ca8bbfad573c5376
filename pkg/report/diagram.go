package report

import (
	"fmt"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/ormasoftchile/gantry/pkg/ledger"
	"github.com/ormasoftchile/gantry/pkg/pipeline"
)

// Format is a pipeline diagram format.
type Format string

const (
	FormatMermaid Format = "mermaid"
	FormatASCII   Format = "ascii"
)

// Diagram draws the stage graph of g. When rec is non-nil, stages are
// annotated with their recorded status.
func Diagram(g *pipeline.Graph, rec *ledger.Record, format Format) (string, error) {
	if g == nil {
		return "", fmt.Errorf("nil graph")
	}
	switch format {
	case FormatMermaid, "":
		return mermaid(g, rec), nil
	case FormatASCII:
		return ascii(g, rec), nil
	}
	return "", fmt.Errorf("unsupported diagram format: %s", format)
}

// --- Mermaid flowchart ---

func mermaid(g *pipeline.Graph, rec *ledger.Record) string {
	var b strings.Builder
	b.WriteString("flowchart LR\n")
	b.WriteString("    START([" + mermaidText(g.Def.Name) + "])\n")
	ends := mermaidSequence(&b, g.Root().Children, []string{"START"}, rec, "    ")
	b.WriteString("    END([end])\n")
	for _, e := range ends {
		b.WriteString("    " + e + " --> END\n")
	}
	if rec != nil {
		for n := range g.Stages() {
			s := rec.Stage(n.Path)
			if s == nil || len(n.Children) > 0 {
				continue
			}
			if style := statusFill(s.Status); style != "" {
				fmt.Fprintf(&b, "    style %s %s\n", safeID(n.Path), style)
			}
		}
	}
	return b.String()
}

// mermaidSequence chains nodes after prev and returns the IDs the next
// element must connect from.
func mermaidSequence(b *strings.Builder, nodes []*pipeline.Node, prev []string, rec *ledger.Record, indent string) []string {
	for _, n := range nodes {
		prev = mermaidNode(b, n, prev, rec, indent)
	}
	return prev
}

func mermaidNode(b *strings.Builder, n *pipeline.Node, prev []string, rec *ledger.Record, indent string) []string {
	id := safeID(n.Path)
	if len(n.Children) == 0 {
		b.WriteString(indent + id + nodeShape(n, rec) + "\n")
		for _, p := range prev {
			b.WriteString(indent + p + " -->" + edgeLabel(n) + " " + id + "\n")
		}
		return []string{id}
	}

	b.WriteString(indent + "subgraph " + id + " [" + mermaidText(n.Name()) + "]\n")
	if n.Parallel {
		b.WriteString(indent + "    direction TB\n")
		for _, c := range n.Children {
			mermaidNode(b, c, nil, rec, indent+"    ")
		}
	} else {
		mermaidSequence(b, n.Children, nil, rec, indent+"    ")
	}
	b.WriteString(indent + "end\n")
	for _, p := range prev {
		b.WriteString(indent + p + " -->" + edgeLabel(n) + " " + id + "\n")
	}
	return []string{id}
}

func nodeShape(n *pipeline.Node, rec *ledger.Record) string {
	label := n.Name()
	if rec != nil {
		if s := rec.Stage(n.Path); s != nil {
			label = Glyph(s.Status) + " " + label
		}
	}
	if n.Spec.Input != nil {
		return "{{" + mermaidText(label) + "}}"
	}
	return "[" + mermaidText(label) + "]"
}

func edgeLabel(n *pipeline.Node) string {
	if n.Spec.When == nil {
		return ""
	}
	return `|"when"|`
}

func statusFill(s ledger.Status) string {
	switch s {
	case ledger.StatusSucceeded:
		return "fill:#0d6,stroke:#0a5,color:#fff"
	case ledger.StatusUnstable:
		return "fill:#e90,stroke:#c70,color:#fff"
	case ledger.StatusFailed, ledger.StatusAborted:
		return "fill:#d22,stroke:#a11,color:#fff"
	case ledger.StatusSkipped:
		return "fill:#888,stroke:#666,color:#fff"
	}
	return ""
}

func safeID(path string) string {
	r := strings.NewReplacer("/", "__", " ", "_", "-", "_", ".", "_", ":", "_")
	return "s_" + r.Replace(path)
}

func mermaidText(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, "#quot;") + `"`
}

// --- ASCII ---

func ascii(g *pipeline.Graph, rec *ledger.Record) string {
	var b strings.Builder
	name := g.Def.Name
	width := runewidth.StringWidth(name) + 4
	b.WriteString("╔" + strings.Repeat("═", width) + "╗\n")
	b.WriteString("║" + centerPad(name, width) + "║\n")
	b.WriteString("╚" + strings.Repeat("═", width) + "╝\n")
	asciiChildren(&b, g.Root(), "", rec)
	return b.String()
}

func asciiChildren(b *strings.Builder, n *pipeline.Node, prefix string, rec *ledger.Record) {
	for i, c := range n.Children {
		last := i == len(n.Children)-1
		branch, next := "├─ ", "│  "
		if last {
			branch, next = "└─ ", "   "
		}
		if n.Parallel {
			branch = strings.Replace(branch, "─", "═", 1)
		}
		b.WriteString(prefix + branch + asciiLabel(c, rec) + "\n")
		asciiChildren(b, c, prefix+next, rec)
	}
}

func asciiLabel(n *pipeline.Node, rec *ledger.Record) string {
	label := n.Name()
	if rec != nil {
		if s := rec.Stage(n.Path); s != nil {
			label = Glyph(s.Status) + " " + label
		}
	}
	var tags []string
	if n.Parallel {
		tags = append(tags, "parallel")
	}
	if n.Spec.Input != nil {
		tags = append(tags, "gate")
	}
	if n.Spec.When != nil {
		tags = append(tags, "when")
	}
	if a := n.Agent(); a != "" {
		tags = append(tags, "agent="+a)
	}
	if len(tags) > 0 {
		label += " [" + strings.Join(tags, ", ") + "]"
	}
	return label
}

// centerPad centers s within width by display width.
func centerPad(s string, width int) string {
	sw := runewidth.StringWidth(s)
	if sw >= width {
		return s
	}
	left := (width - sw) / 2
	return strings.Repeat(" ", left) + s + strings.Repeat(" ", width-sw-left)
}
