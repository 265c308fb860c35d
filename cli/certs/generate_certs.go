// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package certs

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/lazyaf/core/config"
)

const certPermissions = os.FileMode(0600)

type certCommand struct {
	certPath string
}

func generateCert(serverName, relPath string) error {
	ca, err := GenerateCA()
	if err != nil {
		return fmt.Errorf("generating ca certificate: %w", err)
	}

	tlsCert, err := GenerateCert(serverName, ca)
	if err != nil {
		return fmt.Errorf("generating certificate: %w", err)
	}

	if err := os.MkdirAll(relPath, os.ModePerm); err != nil {
		return fmt.Errorf("creating directory %s: %w", relPath, err)
	}

	caCertFilePath := filepath.Join(relPath, "ca-cert.pem")
	caKeyFilePath := filepath.Join(relPath, "ca-key.pem")
	if err := os.WriteFile(caCertFilePath, ca.Cert, certPermissions); err != nil {
		return fmt.Errorf("writing CA cert file: %w", err)
	}
	if err := os.WriteFile(caKeyFilePath, ca.Key, certPermissions); err != nil {
		return fmt.Errorf("writing CA key file: %w", err)
	}

	certFilePath := filepath.Join(relPath, "server-cert.pem")
	keyFilePath := filepath.Join(relPath, "server-key.pem")
	if err := os.WriteFile(certFilePath, tlsCert.Cert, certPermissions); err != nil {
		return fmt.Errorf("writing server cert file: %w", err)
	}
	if err := os.WriteFile(keyFilePath, tlsCert.Key, certPermissions); err != nil {
		return fmt.Errorf("writing server key file: %w", err)
	}
	return nil
}

func (c *certCommand) run(*kingpin.ParseContext) error {
	loadedConfig, err := config.Load()
	if err != nil {
		logrus.WithError(err).Errorln("cannot load the service configuration")
		return err
	}

	return generateCert(loadedConfig.ServerName, c.certPath)
}

// Register the certs command.
func Register(app *kingpin.Application) {
	c := new(certCommand)

	cmd := app.Command("certs", "generates TLS certificates for local testing").
		Action(c.run)

	cmd.Flag("cert-path", "directory to generate the TLS certificates into").
		Default("/tmp/certs").
		StringVar(&c.certPath)
}
