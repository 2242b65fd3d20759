package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/uptane-go/primary/pkg/config"
	"github.com/uptane-go/primary/pkg/fetcher"
	"github.com/uptane-go/primary/pkg/keymanager"
	"github.com/uptane-go/primary/pkg/orchestrator"
	"github.com/uptane-go/primary/pkg/provision"
	"github.com/uptane-go/primary/pkg/secondary"
	"github.com/uptane-go/primary/pkg/secondary/ip"
	"github.com/uptane-go/primary/pkg/store"
	"github.com/uptane-go/primary/pkg/store/sqlite"
	"github.com/uptane-go/primary/pkg/uptane/metadata"
	"github.com/uptane-go/primary/pkg/uptane/repo"
)

// components holds every collaborator one run of the CLI needs, built
// once per invocation and torn down on exit.
type components struct {
	db          *sqlite.Store
	keymanager  *keymanager.Manager
	provisioner *provision.Provisioner
	secondaries *secondary.Manager
	orc         *orchestrator.Orchestrator
}

func (c *components) Close() {
	if c.keymanager != nil {
		c.keymanager.Close()
	}
	if c.db != nil {
		c.db.Close()
	}
}

// buildComponents wires the store, key manager, fetchers, repo engines,
// provisioner, and orchestrator the way cmd/primary's run cycle expects.
// It is safe to call before the device is provisioned: a fetcher without
// client certificates is used for the provisioning step, and the
// certificate-bearing fetcher used afterward is only built once TLS
// credentials exist in the store.
func buildComponents(cfg config.Config, log *zap.Logger) (*components, error) {
	db, err := sqlite.Open(cfg.StoreDBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	km, err := keymanager.New(db, cfg.KeyManager)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("build key manager: %w", err)
	}

	bootstrapFetcher, err := fetcher.New(cfg.Fetcher, nil, log)
	if err != nil {
		km.Close()
		db.Close()
		return nil, fmt.Errorf("build bootstrap fetcher: %w", err)
	}

	provisioner := provision.New(db, km, bootstrapFetcher, cfg.Provision, log)

	c := &components{db: db, keymanager: km, provisioner: provisioner}

	mtlsFetcher, err := provisionedFetcher(db, cfg, log)
	if err != nil {
		// Not yet provisioned: the orchestrator is unusable this run, but
		// the caller still gets a provisioner to drive Attempt().
		return c, nil
	}

	director := repo.New(metadata.Director, cfg.Orchestrator.DirectorBaseURL, db, mtlsFetcher, time.Now, log)
	image := repo.New(metadata.Image, cfg.Orchestrator.ImageBaseURL, db, mtlsFetcher, time.Now, log)

	secondaries := secondary.New(db, log)
	for _, d := range cfg.Secondaries {
		if d.Type == secondary.IP {
			secondaries.Attach(d.EcuSerial, ip.New(d.EcuSerial, fmt.Sprintf("%s:%d", d.IP, d.Port)))
		}
	}
	if err := secondaries.Initialize(context.Background(), cfg.Secondaries); err != nil {
		return nil, fmt.Errorf("initialize secondaries: %w", err)
	}

	backend := &orchestrator.FilesystemBackend{
		InstallDir:  cfg.Orchestrator.InstallDir,
		SentinelDir: cfg.Orchestrator.SentinelDir,
	}

	c.secondaries = secondaries
	c.orc = orchestrator.New(director, image, db, mtlsFetcher, km, secondaries, backend, cfg.Orchestrator, log)
	return c, nil
}

// provisionedFetcher builds the mTLS-authenticated fetcher used for every
// post-provisioning server call, loading the device's TLS credentials
// from the Store.
func provisionedFetcher(st store.Store, cfg config.Config, log *zap.Logger) (*fetcher.HTTPFetcher, error) {
	creds, err := st.LoadTLSCreds(context.Background())
	if err != nil {
		return nil, err
	}

	cert, err := tls.X509KeyPair(creds.Cert, creds.Key)
	if err != nil {
		return nil, fmt.Errorf("parse device TLS credentials: %w", err)
	}

	pool := x509.NewCertPool()
	if len(creds.CA) > 0 {
		pool.AppendCertsFromPEM(creds.CA)
	}

	tlsConfig := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
	}

	return fetcher.New(cfg.Fetcher, tlsConfig, log)
}
