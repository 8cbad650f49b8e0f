package naxie

import (
	"strconv"

	"github.com/go-go-golems/naxie/pkg/chatstate"
	"github.com/go-go-golems/naxie/pkg/eventbus"
)

// UpdateSettings applies mods to the current settings. Values are not checked against
// the option lists.
func (c *Controller) UpdateSettings(mods ...chatstate.SettingsMod) chatstate.Settings {
	st := c.store.Update(func(st *chatstate.State) {
		for _, m := range mods {
			m(&st.Settings)
		}
	})
	return st.Settings
}

// ResetSettings restores the default domain, tags, sensitivity and prompt.
func (c *Controller) ResetSettings() {
	c.store.Update(func(st *chatstate.State) { st.Settings = chatstate.DefaultSettings() })
}

func (c *Controller) SetSelectedModel(model string) {
	c.store.Update(func(st *chatstate.State) { st.SelectedModel = model })
}

func (c *Controller) SetWebSearch(on bool) {
	c.store.Update(func(st *chatstate.State) { st.WebSearch = on })
}

func (c *Controller) SetDeepResearch(on bool) {
	c.store.Update(func(st *chatstate.State) { st.DeepResearch = on })
}

// ClearHistory empties the transcript and the retrieved context.
func (c *Controller) ClearHistory() {
	had := len(c.store.State().Context) > 0
	c.store.ClearHistory()
	if had {
		c.bus.Emit(eventbus.ContextChanged, []chatstate.ContextItem(nil))
	}
}

func (c *Controller) ClearContext() {
	_, changed := c.store.UpdateIf(func(st *chatstate.State) bool {
		if len(st.Context) == 0 {
			return false
		}
		st.Context = nil
		return true
	})
	if changed {
		c.bus.Emit(eventbus.ContextChanged, []chatstate.ContextItem(nil))
	}
}

// QueryExtras builds the query-shaping fields sent with a user query from the current
// model selection, toggles and settings.
func (c *Controller) QueryExtras() map[string]any {
	return QueryExtras(c.store.State())
}

func QueryExtras(st chatstate.State) map[string]any {
	s := st.Settings
	out := map[string]any{
		"model":         st.SelectedModel,
		"web_search":    st.WebSearch,
		"deep_research": st.DeepResearch,
		"tags":          s.TagIDs(),
		"score":         SensitivityScore(s.Sensitivity),
		"prompt":        s.Prompt,
	}
	if s.Domain != nil {
		out["domain"] = string(s.Domain.ID)
	}
	return out
}

// SensitivityScore maps the 0..100 slider onto the backend's relevance threshold,
// formatted with exactly two decimals.
func SensitivityScore(sensitivity int) string {
	v := 0.1 + float64(sensitivity-1)*(0.89/99)
	return strconv.FormatFloat(v, 'f', 2, 64)
}
