package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/naxie/pkg/chatstate"
	"github.com/go-go-golems/naxie/pkg/export"
)

var (
	assistantLabel = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	userLabel      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FFFDF5"))
	refStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("#AFAFAF"))
	noticeStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
)

// chatView prints transcript changes as they arrive. In plain mode streamed text is
// written as it grows; in markdown mode each answer is rendered once it is complete.
type chatView struct {
	w        io.Writer
	styled   bool
	renderer *glamour.TermRenderer

	mu        sync.Mutex
	shown     map[int]int
	finalized map[int]bool
	refsShown map[int]bool
	loading   bool
	idle      chan struct{}
	refs      chan struct{}
}

func newChatView(w io.Writer, styled bool) *chatView {
	v := &chatView{
		w:         w,
		styled:    styled,
		shown:     map[int]int{},
		finalized: map[int]bool{},
		refsShown: map[int]bool{},
		idle:      make(chan struct{}, 1),
		refs:      make(chan struct{}, 1),
	}
	if styled {
		r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
		if err != nil {
			log.Warn().Err(err).Msg("markdown renderer unavailable, falling back to plain output")
			v.styled = false
		} else {
			v.renderer = r
		}
	}
	return v
}

func (v *chatView) label(role chatstate.Role) string {
	if !v.styled {
		return string(role) + ": "
	}
	if role == chatstate.RoleUser {
		return userLabel.Render("you") + " "
	}
	return assistantLabel.Render("naxie") + " "
}

func (v *chatView) style(s lipgloss.Style, text string) string {
	if !v.styled {
		return text
	}
	return s.Render(text)
}

func (v *chatView) Notice(text string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprintln(v.w, v.style(noticeStyle, "! "+text))
}

func (v *chatView) Error(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprintln(v.w, v.style(errorStyle, "error: "+err.Error()))
}

func (v *chatView) Info(text string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprintln(v.w, v.style(dimStyle, text))
}

// OnState is the store listener.
func (v *chatView) OnState(st chatstate.State) {
	v.mu.Lock()
	defer v.mu.Unlock()

	entries := st.Transcript.Entries()
	for i := range v.shown {
		if i >= len(entries) {
			delete(v.shown, i)
			delete(v.finalized, i)
			delete(v.refsShown, i)
		}
	}

	open := st.Transcript.OpenIndex()
	for i, e := range entries {
		if e.Role != chatstate.RoleAssistant {
			continue
		}
		streaming := i == open && st.IsLoading
		if !v.finalized[i] {
			if v.shown[i] > len(e.Content) {
				v.shown[i] = 0
			}
			if !v.styled && e.Content != "" {
				if v.shown[i] == 0 {
					fmt.Fprint(v.w, v.label(e.Role))
				}
				fmt.Fprint(v.w, e.Content[v.shown[i]:])
				v.shown[i] = len(e.Content)
			}
			if !streaming {
				v.finalize(i, e)
			}
		}
		if e.Refs != nil && !v.refsShown[i] && v.finalized[i] {
			v.refsShown[i] = true
			v.printRefs(e.Refs)
			select {
			case v.refs <- struct{}{}:
			default:
			}
		}
	}

	if v.loading && !st.IsLoading {
		select {
		case v.idle <- struct{}{}:
		default:
		}
	}
	v.loading = st.IsLoading
}

func (v *chatView) finalize(i int, e chatstate.Entry) {
	v.finalized[i] = true
	if !v.styled {
		if v.shown[i] > 0 {
			fmt.Fprintln(v.w)
		}
		return
	}
	if e.Content == "" {
		return
	}
	out, err := v.renderer.Render(e.Content)
	if err != nil {
		out = e.Content + "\n"
	}
	fmt.Fprint(v.w, v.label(e.Role)+"\n"+strings.TrimLeft(out, "\n"))
}

func (v *chatView) printRefs(c *chatstate.Citations) {
	for n, r := range c.Refs {
		fmt.Fprintln(v.w, "  "+v.style(refStyle, fmt.Sprintf("[%d] %s", n+1, export.RefLabel(r))))
	}
	if c.WebSearch != nil && *c.WebSearch {
		fmt.Fprintln(v.w, "  "+v.style(refStyle, "(web search)"))
	}
}

func (v *chatView) drain() {
	for {
		select {
		case <-v.idle:
		case <-v.refs:
		default:
			return
		}
	}
}
