// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"crypto/tls"
	"fmt"

	liberrors "github.com/cbcalves/crudQtTest/pkg/errors"
)

// loadTLSConfig loads the certificate and key files when both are
// configured. Peer certificates are not requested or verified.
func loadTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	if certFile == "" || keyFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", liberrors.ErrTLSConfig, err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.NoClientCert,
	}, nil
}
