package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/agentworkforce/groupsync/internal/acs"
	"github.com/agentworkforce/groupsync/internal/config"
	"github.com/agentworkforce/groupsync/internal/gws"
	"github.com/agentworkforce/groupsync/internal/logging"
	"github.com/agentworkforce/groupsync/internal/membersync"
	"github.com/agentworkforce/groupsync/internal/mtls"
	"github.com/agentworkforce/groupsync/internal/objectstore"
	"github.com/agentworkforce/groupsync/internal/pws"
	"github.com/agentworkforce/groupsync/internal/queue"
	"github.com/agentworkforce/groupsync/internal/secrets"
)

const defaultHTTPTimeout = 15 * time.Second

// Options overrides pieces Build would otherwise construct from the
// configuration.
type Options struct {
	Fetcher   objectstore.Fetcher
	Decrypter secrets.Decrypter
	Queue     queue.ChangeQueue
	Recorder  membersync.Recorder
}

// App holds everything a trigger needs to run a sync. It is built once at
// startup and shared.
type App struct {
	Config   config.Config
	Document config.Document
	Service  *membersync.Service
	Consumer *membersync.Consumer
	Queue    queue.ChangeQueue
	Logger   *slog.Logger
}

// Build reads the service document, unlocks its secrets and wires the
// upstream adapters, the change queue and the sync service.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	for _, warning := range cfg.Warnings {
		logger.Warn("configuration fallback", "detail", warning)
	}

	loader := &awsLoader{cfg: cfg}
	fetcher := opts.Fetcher
	if fetcher == nil {
		var err error
		fetcher, err = newFetcher(ctx, cfg, loader)
		if err != nil {
			return nil, err
		}
	}
	decrypter := opts.Decrypter
	if decrypter == nil && !cfg.DisableKMSDecryption {
		awsCfg, err := loader.load(ctx)
		if err != nil {
			return nil, err
		}
		decrypter = secrets.NewKMSDecrypter(kms.NewFromConfig(awsCfg, func(o *kms.Options) {
			if cfg.AWSEndpoint != "" {
				o.BaseEndpoint = aws.String(cfg.AWSEndpoint)
			}
		}), cfg.KMSKeyID)
	}
	cache := secrets.NewCache(decrypter, cfg.DisableKMSDecryption)

	doc, err := loadDocument(ctx, cfg, fetcher)
	if err != nil {
		return nil, err
	}
	logger.Info("service document loaded",
		"acs", doc.ACSURLBase,
		"pws", doc.PWSURLBase,
		"gws", doc.GWSSearchURLBase,
		"client_certificate", doc.HasClientCertificate(),
	)

	adminPassword, err := cache.Decrypt(ctx, doc.ACSAdminPassword)
	if err != nil {
		return nil, fmt.Errorf("decrypt acs admin password: %w", err)
	}
	messageKey, err := cache.Decrypt(ctx, cfg.MessageKey)
	if err != nil {
		return nil, fmt.Errorf("decrypt message key: %w", err)
	}

	timeout := defaultHTTPTimeout
	if doc.HTTPTimeoutSeconds > 0 {
		timeout = time.Duration(doc.HTTPTimeoutSeconds) * time.Second
	}
	upstream, err := upstreamClient(ctx, doc, fetcher, cache, timeout)
	if err != nil {
		return nil, err
	}

	target, err := acs.NewClient(doc.ACSURLBase, doc.ACSAdminUsername, adminPassword, acs.Options{
		HTTPClient:        &http.Client{Timeout: timeout},
		RequestsPerSecond: doc.ACSRequestsPerSecond,
	})
	if err != nil {
		return nil, fmt.Errorf("acs client: %w", err)
	}
	identity := pws.NewClient(doc.PWSURLBase, cfg.EmailDomain, upstream)
	membership := gws.NewClient(gws.Options{
		SearchBaseURL: doc.GWSSearchURLBase,
		GroupBaseURL:  doc.GWSGroupURLBase,
		Stem:          doc.GWSStem,
		HTTPClient:    upstream,
	})

	changes := opts.Queue
	if changes == nil {
		changes, err = queue.BuildChangeQueueFromDSN(cfg.QueueDSN, queue.Options{
			BatchSize:         cfg.MessagesPerBatch,
			VisibilityTimeout: cfg.VisibilityTimeout,
			WaitTime:          cfg.WaitTime,
		})
		if err != nil {
			return nil, fmt.Errorf("open change queue: %w", err)
		}
	}

	ignore := membersync.NewIgnorePolicy(cfg.IgnoredGroups, cfg.IgnoredGroupPrefixes)
	service, err := membersync.NewService(membersync.ServiceOptions{
		Identity:    identity,
		Membership:  membership,
		Target:      target,
		Ignore:      ignore,
		Namespace:   membersync.NewNamespace(cfg.ManagedNamespace),
		RootGroup:   cfg.RootGroup,
		EmailDomain: cfg.EmailDomain,
		Recorder:    opts.Recorder,
		Logger:      logger,
		Sanitize:    logging.SanitizeError,
	})
	if err != nil {
		_ = changes.Close()
		return nil, err
	}
	consumer, err := membersync.NewConsumer(membersync.ConsumerOptions{
		Queue:         changes,
		Syncer:        service,
		Ignore:        ignore,
		MessageKey:    messageKey,
		MaxIterations: cfg.MaxIterations,
		Logger:        logger,
		Sanitize:      logging.SanitizeError,
	})
	if err != nil {
		_ = changes.Close()
		return nil, err
	}

	return &App{
		Config:   cfg,
		Document: doc,
		Service:  service,
		Consumer: consumer,
		Queue:    changes,
		Logger:   logger,
	}, nil
}

func (a *App) Close() error {
	if a == nil || a.Queue == nil {
		return nil
	}
	return a.Queue.Close()
}

func loadDocument(ctx context.Context, cfg config.Config, fetcher objectstore.Fetcher) (config.Document, error) {
	var (
		data []byte
		err  error
	)
	switch {
	case cfg.ConfigFile != "":
		data, err = os.ReadFile(cfg.ConfigFile)
		if err != nil {
			return config.Document{}, fmt.Errorf("read service document: %w", err)
		}
	case cfg.HasRemoteDocument():
		data, err = fetcher.GetObject(ctx, cfg.ConfigBucket, cfg.ConfigKey)
		if err != nil {
			return config.Document{}, fmt.Errorf("fetch service document s3://%s/%s: %w", cfg.ConfigBucket, cfg.ConfigKey, err)
		}
	default:
		return config.Document{}, errors.New("no service document: set GROUPSYNC_CONFIG_FILE or CONFIG_BUCKET and CONFIG_KEY")
	}
	return config.ParseDocument(data)
}

// upstreamClient returns the client used for the person and group
// services. It presents the client certificate when the document names one.
func upstreamClient(ctx context.Context, doc config.Document, fetcher objectstore.Fetcher, cache *secrets.Cache, timeout time.Duration) (*http.Client, error) {
	if !doc.HasClientCertificate() {
		return &http.Client{Timeout: timeout}, nil
	}
	var material mtls.Material
	var err error
	if doc.CACertS3Key != "" {
		if material.CACert, err = fetcher.GetObject(ctx, doc.CACertS3Bucket, doc.CACertS3Key); err != nil {
			return nil, fmt.Errorf("fetch ca certificate: %w", err)
		}
	}
	if material.ClientCert, err = fetcher.GetObject(ctx, doc.ClientCertS3Bucket, doc.ClientCertS3Key); err != nil {
		return nil, fmt.Errorf("fetch client certificate: %w", err)
	}
	if material.ClientKey, err = fetcher.GetObject(ctx, doc.ClientCertKeyS3Bucket, doc.ClientCertKeyS3Key); err != nil {
		return nil, fmt.Errorf("fetch client certificate key: %w", err)
	}
	if material.Passphrase, err = cache.Decrypt(ctx, doc.ClientCertKeyPassphrase); err != nil {
		return nil, fmt.Errorf("decrypt client certificate passphrase: %w", err)
	}
	return mtls.NewHTTPClient(material, timeout)
}

func newFetcher(ctx context.Context, cfg config.Config, loader *awsLoader) (objectstore.Fetcher, error) {
	if cfg.ObjectRoot != "" {
		return objectstore.NewFileFetcher(cfg.ObjectRoot), nil
	}
	awsCfg, err := loader.load(ctx)
	if err != nil {
		return nil, err
	}
	return objectstore.NewS3Fetcher(s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.AWSEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.AWSEndpoint)
			o.UsePathStyle = true
		}
	})), nil
}

// awsLoader resolves the shared AWS configuration on first use so runs
// that only touch local files never need credentials.
type awsLoader struct {
	cfg    config.Config
	loaded *aws.Config
}

func (l *awsLoader) load(ctx context.Context) (aws.Config, error) {
	if l.loaded != nil {
		return *l.loaded, nil
	}
	var opts []func(*awsconfig.LoadOptions) error
	if l.cfg.AWSRegion != "" {
		opts = append(opts, awsconfig.WithRegion(l.cfg.AWSRegion))
	}
	if l.cfg.AWSAccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(l.cfg.AWSAccessKeyID, l.cfg.AWSSecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	l.loaded = &awsCfg
	return awsCfg, nil
}
