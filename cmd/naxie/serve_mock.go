package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/naxie/pkg/chatstate"
	"github.com/go-go-golems/naxie/pkg/mockserver"
)

func newServeMockCommand(a *app) *cobra.Command {
	var (
		addr      string
		path      string
		answer    string
		echo      bool
		chunkSize int
		delay     time.Duration
		refs      []string
		noSession bool
	)
	cmd := &cobra.Command{
		Use:   "serve-mock",
		Short: "Run a websocket server that speaks the chat protocol with canned answers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := mockserver.Config{
				ChunkSize:   chunkSize,
				ChunkDelay:  delay,
				SkipSession: noSession,
			}
			switch {
			case echo:
				cfg.Answer = func(q string) string { return "You asked: " + q }
			case answer != "":
				cfg.Answer = func(string) string { return answer }
			}
			for _, r := range refs {
				cfg.Refs = append(cfg.Refs, chatstate.Reference{FileName: r})
			}

			mux := http.NewServeMux()
			mux.Handle("/"+strings.TrimLeft(path, "/"), mockserver.New(cfg))
			srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()
			log.Info().Str("component", "mockserver").Str("addr", addr).Str("path", path).Msg("mock server listening")

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-cmd.Context().Done():
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(ctx)
		},
	}
	f := cmd.Flags()
	f.StringVar(&addr, "addr", "localhost:8765", "Listen address")
	f.StringVar(&path, "path", "/ws", "Websocket path")
	f.StringVar(&answer, "answer", "", "Fixed answer for every query")
	f.BoolVar(&echo, "echo", false, "Answer with the query itself")
	f.IntVar(&chunkSize, "chunk-size", 8, "Runes per streamed frame")
	f.DurationVar(&delay, "chunk-delay", 30*time.Millisecond, "Delay between frames")
	f.StringSliceVar(&refs, "ref", nil, "File name to cite after every answer (repeatable)")
	f.BoolVar(&noSession, "no-session", false, "Do not send a session frame on connect")
	return cmd
}
