// Package mockserver simulates the chat backend's websocket protocol: a session frame
// on connect, then for every query a chunked answer, the EOF token and a metadata frame.
package mockserver

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/naxie/pkg/chatstate"
	"github.com/go-go-golems/naxie/pkg/reassembly"
)

const DefaultAnswer = "This is a simulated answer."

type Config struct {
	// Answer returns the reply for a query. When nil every query gets DefaultAnswer.
	Answer func(query string) string
	// ChunkSize is the number of runes per text frame; values below 1 mean 8.
	ChunkSize  int
	ChunkDelay time.Duration

	Refs    []chatstate.Reference
	Context []chatstate.ContextItem
	// WebSearch, when set, is reported in the metadata frame.
	WebSearch *bool

	// SkipSession suppresses the session frame sent on connect.
	SkipSession bool
	// SessionID overrides the generated session id.
	SessionID string
	// SkipMetadata ends every answer at EOF without a metadata frame.
	SkipMetadata bool
}

// Query is an outbound frame as the server sees it.
type Query struct {
	UserQuery string         `json:"user_query"`
	SessionID string         `json:"session_id"`
	Extra     map[string]any `json:"-"`
}

type Server struct {
	cfg      Config
	upgrader websocket.Upgrader
	pool     *connPool
	queries  chan Query
}

func New(cfg Config) *Server {
	if cfg.ChunkSize < 1 {
		cfg.ChunkSize = 8
	}
	if cfg.Answer == nil {
		cfg.Answer = func(string) string { return DefaultAnswer }
	}
	return &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		pool:    newConnPool(),
		queries: make(chan Query, 64),
	}
}

// Queries delivers every parsed query. When nobody reads, queries beyond the buffer
// are dropped.
func (s *Server) Queries() <-chan Query { return s.queries }

func (s *Server) ConnectionCount() int { return s.pool.count() }

// CloseAll drops every client connection, simulating a server-side disconnect.
func (s *Server) CloseAll() { s.pool.closeAll() }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("component", "mockserver").Msg("upgrade failed")
		return
	}
	s.pool.add(conn)
	defer s.pool.remove(conn)

	sessionID := s.cfg.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	logger := log.With().Str("component", "mockserver").Str("session_id", sessionID).Logger()
	logger.Info().Str("remote", r.RemoteAddr).Msg("client connected")

	if !s.cfg.SkipSession {
		b, _ := json.Marshal(map[string]string{"session_id": sessionID})
		if err := s.pool.write(conn, b); err != nil {
			return
		}
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			logger.Debug().Err(err).Msg("client gone")
			return
		}
		q, ok := parseQuery(data)
		if !ok {
			logger.Warn().Int("bytes", len(data)).Msg("ignoring frame without user_query")
			continue
		}
		select {
		case s.queries <- q:
		default:
		}
		logger.Debug().Str("query", q.UserQuery).Msg("query")
		if err := s.respond(conn, q); err != nil {
			return
		}
	}
}

func parseQuery(data []byte) (Query, bool) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return Query{}, false
	}
	text, _ := raw["user_query"].(string)
	if text == "" {
		return Query{}, false
	}
	q := Query{UserQuery: text, Extra: map[string]any{}}
	q.SessionID, _ = raw["session_id"].(string)
	for k, v := range raw {
		if k != "user_query" && k != "session_id" {
			q.Extra[k] = v
		}
	}
	return q, true
}

func (s *Server) respond(conn *websocket.Conn, q Query) error {
	for _, chunk := range Chunk(s.cfg.Answer(q.UserQuery), s.cfg.ChunkSize) {
		if err := s.pool.write(conn, []byte(chunk)); err != nil {
			return err
		}
		if s.cfg.ChunkDelay > 0 {
			time.Sleep(s.cfg.ChunkDelay)
		}
	}
	if err := s.pool.write(conn, []byte(reassembly.EndOfStreamToken)); err != nil {
		return err
	}
	if s.cfg.SkipMetadata {
		return nil
	}
	md := map[string]any{"refs": s.refs()}
	if s.cfg.WebSearch != nil {
		md["web_search"] = *s.cfg.WebSearch
	}
	if len(s.cfg.Context) > 0 {
		md["context"] = s.cfg.Context
	}
	b, err := json.Marshal(md)
	if err != nil {
		return err
	}
	return s.pool.write(conn, b)
}

func (s *Server) refs() []chatstate.Reference {
	if s.cfg.Refs == nil {
		return []chatstate.Reference{}
	}
	return s.cfg.Refs
}

// Chunk splits text into pieces of at most size runes. Pieces that would contain the
// EOF token are split inside it so a chunk never ends the stream early.
func Chunk(text string, size int) []string {
	if size < 1 {
		size = 1
	}
	var out []string
	for text != "" {
		n, i := 0, 0
		for i < len(text) && n < size {
			_, w := utf8.DecodeRuneInString(text[i:])
			i += w
			n++
		}
		piece := text[:i]
		if j := strings.Index(piece, reassembly.EndOfStreamToken); j >= 0 {
			piece = text[:j+1]
		}
		out = append(out, piece)
		text = text[len(piece):]
	}
	return out
}
