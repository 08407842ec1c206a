package main

import (
	"encoding/json"
	"os"

	"github.com/fhir-infra/fhirhub"
)

// FileConfig is the module configuration read from config.json. Each block
// has an Enabled switch so a deployment can run any subset of the
// subsystems.
type FileConfig struct {
	Packages struct {
		Enabled  bool   `json:"enabled"`
		Master   string `json:"master"`
		Mirror   string `json:"mirror"`
		DB       string `json:"db"`
		Schedule string `json:"schedule"`
	} `json:"packages"`
	Registry struct {
		Enabled  bool   `json:"enabled"`
		Master   string `json:"master"`
		Snapshot string `json:"snapshot"`
		Schedule string `json:"schedule"`
	} `json:"registry"`
	SHL struct {
		Enabled       bool   `json:"enabled"`
		DB            string `json:"db"`
		AdminPassword string `json:"adminPassword"`
		BaseURL       string `json:"baseUrl"`
		Issuer        string `json:"issuer"`
		Kid           string `json:"kid"`
		KeyFile       string `json:"keyFile"`
		// CertFile is the certificate for the signing key. It is carried in
		// the configuration for operators distributing the verification
		// material; the signer itself only needs the private key.
		CertFile string `json:"certFile"`
	} `json:"shl"`
}

func loadConfig(path string) (*FileConfig, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, &fhirhub.Error{Kind: fhirhub.ErrConfig, Op: "loadConfig", Inner: err}
	}
	var c FileConfig
	if err := json.Unmarshal(buf, &c); err != nil {
		return nil, &fhirhub.Error{Kind: fhirhub.ErrConfig, Op: "loadConfig", Inner: err}
	}
	if c.Packages.Enabled {
		switch {
		case c.Packages.Master == "":
			return nil, &fhirhub.Error{Kind: fhirhub.ErrConfig, Message: "packages.master is required"}
		case c.Packages.DB == "":
			return nil, &fhirhub.Error{Kind: fhirhub.ErrConfig, Message: "packages.db is required"}
		case c.Packages.Mirror == "":
			return nil, &fhirhub.Error{Kind: fhirhub.ErrConfig, Message: "packages.mirror is required"}
		}
		if c.Packages.Schedule == "" {
			c.Packages.Schedule = "17 */4 * * *"
		}
	}
	if c.Registry.Enabled {
		if c.Registry.Master == "" {
			return nil, &fhirhub.Error{Kind: fhirhub.ErrConfig, Message: "registry.master is required"}
		}
		if c.Registry.Schedule == "" {
			c.Registry.Schedule = "41 * * * *"
		}
	}
	if c.SHL.Enabled {
		switch {
		case c.SHL.DB == "":
			return nil, &fhirhub.Error{Kind: fhirhub.ErrConfig, Message: "shl.db is required"}
		case c.SHL.AdminPassword == "":
			return nil, &fhirhub.Error{Kind: fhirhub.ErrConfig, Message: "shl.adminPassword is required"}
		}
	}
	return &c, nil
}
