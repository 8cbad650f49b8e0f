package naxie

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/naxie/pkg/api"
	"github.com/go-go-golems/naxie/pkg/eventbus"
)

// APIClient is the HTTP side of the backend. *api.Client implements it.
type APIClient interface {
	FetchModels(ctx context.Context) ([]api.Model, error)
	FetchSettingsOptions(ctx context.Context) (api.SettingsOptions, error)
	UploadDocuments(ctx context.Context, files []api.File) error
}

const (
	authNoticeMessage    = "apiKey expires or invalid"
	networkNoticeMessage = "could not reach the server"
)

// LoadModels returns the available models. Failures produce an empty list and a notice
// event. When the selected model is not in the list the first model is selected.
func (c *Controller) LoadModels(ctx context.Context) []api.Model {
	if c.api == nil {
		return []api.Model{}
	}
	models, err := c.api.FetchModels(ctx)
	if err != nil {
		c.notify(err, "models")
		return []api.Model{}
	}
	if len(models) > 0 {
		current := c.store.State().SelectedModel
		known := false
		for _, m := range models {
			if m.ID == current {
				known = true
				break
			}
		}
		if !known {
			c.SetSelectedModel(models[0].ID)
		}
	}
	return models
}

// LoadSettingsOptions returns domains, tags and prompts. Lists that failed to load are
// empty and a notice event is emitted.
func (c *Controller) LoadSettingsOptions(ctx context.Context) api.SettingsOptions {
	if c.api == nil {
		return api.SettingsOptions{}
	}
	opts, err := c.api.FetchSettingsOptions(ctx)
	if err != nil {
		c.notify(err, "settings options")
	}
	return opts
}

// Upload sends files to the instant upload endpoint. Errors are returned to the caller.
func (c *Controller) Upload(ctx context.Context, files ...api.File) error {
	if c.api == nil {
		return errors.New("no api client configured")
	}
	return c.api.UploadDocuments(ctx, files)
}

// UploadPaths opens each path and uploads them in one request.
func (c *Controller) UploadPaths(ctx context.Context, paths ...string) error {
	files := make([]api.File, 0, len(paths))
	closers := make([]io.Closer, 0, len(paths))
	defer func() {
		for _, cl := range closers {
			_ = cl.Close()
		}
	}()
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return errors.Wrapf(err, "open %s", p)
		}
		closers = append(closers, f)
		files = append(files, api.File{Name: filepath.Base(p), Reader: f})
	}
	return c.Upload(ctx, files...)
}

func (c *Controller) notify(err error, what string) {
	if errors.Is(err, api.ErrMissingAPIKey) {
		log.Debug().Str("component", "naxie").Str("what", what).Msg("no api key; skipping fetch")
		return
	}
	n := eventbus.NoticePayload{Kind: eventbus.NoticeNetwork, Message: networkNoticeMessage}
	if errors.Is(err, api.ErrUnauthorized) {
		n = eventbus.NoticePayload{Kind: eventbus.NoticeAuth, Message: authNoticeMessage}
	}
	log.Warn().Err(err).Str("component", "naxie").Str("what", what).Str("notice", string(n.Kind)).Msg("fetch failed")
	c.bus.Emit(eventbus.Notice, n)
}
