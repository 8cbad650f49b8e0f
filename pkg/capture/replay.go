package capture

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/naxie/pkg/chatstate"
	"github.com/go-go-golems/naxie/pkg/reassembly"
)

// Replay rebuilds the conversation state of one recorded connection. Outbound queries
// become user entries and inbound frames go through a fresh engine, in sequence order.
func (s *SQLiteStore) Replay(ctx context.Context, connectionID string, opts ...reassembly.Option) (chatstate.State, error) {
	frames, err := s.Frames(ctx, connectionID)
	if err != nil {
		return chatstate.State{}, err
	}
	if len(frames) == 0 {
		return chatstate.State{}, errors.Errorf("no frames recorded for connection %q", connectionID)
	}
	return ReplayFrames(frames, opts...), nil
}

func ReplayFrames(frames []Frame, opts ...reassembly.Option) chatstate.State {
	store := chatstate.NewStore()
	engine := reassembly.New(store, opts...)
	store.Update(func(st *chatstate.State) { st.IsConnected = true })

	for _, f := range frames {
		switch f.Direction {
		case Outbound:
			var q struct {
				UserQuery string `json:"user_query"`
				Model     string `json:"model"`
			}
			if err := json.Unmarshal(f.Payload, &q); err != nil || q.UserQuery == "" {
				continue
			}
			engine.ExpectResponse()
			store.Update(func(st *chatstate.State) {
				st.Transcript = st.Transcript.Append(chatstate.Entry{
					Role:      chatstate.RoleUser,
					Content:   q.UserQuery,
					Timestamp: time.UnixMilli(f.AtMs),
				})
				st.IsLoading = true
				if q.Model != "" {
					st.SelectedModel = q.Model
				}
			})
		case Inbound:
			engine.Handle(f.Payload)
		}
	}
	return store.State()
}
