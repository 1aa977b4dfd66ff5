package models

import (
	"fmt"
	"net"
)

// Source drivers.
const (
	DriverVaultKV  = "vaultkv"
	DriverVaultAPI = "vaultapi"
)

// Source - configuration for the vault secrets are migrated from
type Source struct {
	// Driver - the client library used to talk to vault, vaultkv or vaultapi.
	Driver string `yaml:"driver"`

	// Host - the host name of the vault server.
	Host string `yaml:"host"`

	// Port - the port of the vault server.
	Port string `yaml:"port"`

	// Scheme - http or https.
	Scheme string `yaml:"scheme"`

	// Token - the token to use to authenticate to vault.
	Token string `yaml:"token"`

	// Namespace - the vault enterprise namespace, if any.
	Namespace string `yaml:"namespace"`

	// Engines - the kv v2 secret engines to migrate, in order.
	Engines []string `yaml:"engines"`

	// Metadata - the path segment listing the secrets of an engine.
	Metadata string `yaml:"metadata"`

	// Insecure - connect to the vault server without verifying its certificate.
	Insecure bool `yaml:"insecure"`

	// RenewToken - renew the token before reading.
	RenewToken bool `yaml:"renew_token" split_words:"true"`
}

// Addr returns the base URL of the source vault.
func (s Source) Addr() string {
	host := s.Host
	if s.Port != "" {
		host = net.JoinHostPort(s.Host, s.Port)
	}
	return fmt.Sprintf("%s://%s", s.Scheme, host)
}
