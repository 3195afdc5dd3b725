package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/comptonizing/ekos-lightbucket/internal/config"
	"github.com/comptonizing/ekos-lightbucket/internal/credentials"
	"github.com/comptonizing/ekos-lightbucket/internal/notify"
	"github.com/comptonizing/ekos-lightbucket/internal/pipeline"
	"github.com/comptonizing/ekos-lightbucket/internal/preview"
	"github.com/comptonizing/ekos-lightbucket/internal/preview/magick"
	"github.com/comptonizing/ekos-lightbucket/internal/storage"
	"github.com/comptonizing/ekos-lightbucket/internal/upload"
)

// Version is set at build time.
var Version = "0.3.0-dev"

// Root carries what every command needs.
type Root struct {
	cfg   *config.Config
	log   *slog.Logger
	store *storage.Store
	out   io.Writer
	// errOut receives progress bars and prompts.
	errOut io.Writer

	// newUploader and prompt are replaced in tests.
	newUploader func() upload.Uploader
	prompt      prompter
	now         func() time.Time
}

func NewRoot(cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	r := &Root{
		cfg:    cfg,
		log:    logger,
		store:  store,
		out:    os.Stdout,
		errOut: os.Stderr,
		prompt: surveyPrompter{},
		now:    time.Now,
	}
	r.newUploader = func() upload.Uploader {
		return upload.NewHTTPUploader(cfg.Service.BaseURL, cfg.Service.Endpoint, cfg.Service.Timeout, cfg.Service.RateLimit)
	}
	return r
}

func (r *Root) credentialStore() credentials.Store {
	return credentials.Store{Path: r.cfg.Paths.CredentialsFile}
}

// loadCredentials reads the stored credentials. A corrupted file is reported
// and treated as empty.
func (r *Root) loadCredentials() credentials.Credentials {
	c, err := r.credentialStore().Load()
	if err != nil {
		r.log.Warn("could not load credentials", "path", r.cfg.Paths.CredentialsFile, "error", err)
		return credentials.Credentials{}
	}
	return c
}

func (r *Root) codec() (preview.Codec, error) {
	switch r.cfg.Preview.Backend {
	case "", "native":
		return preview.NativeCodec{}, nil
	case "imagick", "magick":
		return magick.Codec{}, nil
	default:
		return nil, fmt.Errorf("unknown preview backend %q", r.cfg.Preview.Backend)
	}
}

func (r *Root) normalizer() (*preview.Normalizer, error) {
	codec, err := r.codec()
	if err != nil {
		return nil, err
	}
	return preview.NewNormalizer(preview.Options{
		LongAxis:   r.cfg.Preview.Width,
		Quality:    r.cfg.Preview.Quality,
		MedianBlur: r.cfg.Preview.MedianBlur,
	}, codec), nil
}

func (r *Root) builder() upload.Builder {
	return upload.Builder{Now: r.now}
}

// newProcessor wires the per-frame processing with the given credential
// provider.
func (r *Root) newProcessor(creds credentials.Provider, status *pipeline.Status, hub *notify.Hub) (*pipeline.Processor, error) {
	norm, err := r.normalizer()
	if err != nil {
		return nil, err
	}
	return pipeline.NewProcessor(pipeline.Deps{
		Credentials: creds,
		Normalizer:  norm,
		Uploader:    r.newUploader(),
		Builder:     r.builder(),
		Status:      status,
		Hub:         hub,
		Store:       r.store,
		Logger:      r.log,
	}), nil
}
