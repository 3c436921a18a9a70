// Package report prints counter windows for humans.
package report

import (
	"fmt"
	"io"
	"strconv"

	"github.com/Rouzip/hwcounter/pkg/counter"
	"github.com/charmbracelet/lipgloss"
)

const (
	nameWidth  = 20
	valueWidth = 18
)

// Printer renders windows to one writer. Styling degrades to plain text
// when the writer is not a terminal.
type Printer struct {
	w     io.Writer
	title lipgloss.Style
	name  lipgloss.Style
	value lipgloss.Style
	note  lipgloss.Style
}

func NewPrinter(w io.Writer) *Printer {
	r := lipgloss.NewRenderer(w)
	return &Printer{
		w:     w,
		title: r.NewStyle().Bold(true).Foreground(lipgloss.Color("63")),
		name:  r.NewStyle().Width(nameWidth).PaddingLeft(2),
		value: r.NewStyle().Width(valueWidth).Align(lipgloss.Right),
		note:  r.NewStyle().Faint(true),
	}
}

// Print writes one line per count, then the IPC if cycles and
// instructions were both counted.
func (p *Printer) Print(title string, counts counter.Counts) error {
	if _, err := fmt.Fprintln(p.w, p.title.Render(title)); err != nil {
		return err
	}
	for _, c := range counts {
		value, note := FormatCount(c.Value), ""
		switch {
		case !c.Available:
			value, note = "n/a", "unavailable"
		case c.Err != nil:
			note = "read failed"
		}
		if err := p.line(c.Event, value, note); err != nil {
			return err
		}
	}
	if ipc, ok := counts.IPC(); ok {
		return p.line("ipc", strconv.FormatFloat(ipc, 'f', 2, 64), "")
	}
	return nil
}

func (p *Printer) line(name, value, note string) error {
	out := p.name.Render(name) + p.value.Render(value)
	if note != "" {
		out += "  " + p.note.Render("("+note+")")
	}
	_, err := fmt.Fprintln(p.w, out)
	return err
}

// Print writes counts to w with a fresh Printer.
func Print(w io.Writer, title string, counts counter.Counts) error {
	return NewPrinter(w).Print(title, counts)
}

// FormatCount formats n with thousands separators.
func FormatCount(n uint64) string {
	s := strconv.FormatUint(n, 10)
	out := make([]byte, 0, len(s)+len(s)/3)
	for i := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, s[i])
	}
	return string(out)
}
