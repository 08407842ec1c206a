package packages

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/fhir-infra/fhirhub"
)

func TestDeriveMetadata(t *testing.T) {
	t.Parallel()
	tt := []struct {
		Name    string
		Members map[string]string
		Want    *VersionInfo
		Err     fhirhub.ErrorKind
	}{
		{
			Name: "Full",
			Members: map[string]string{
				"package.json": `{
					"name": "hl7.fhir.us.core",
					"version": "6.1.0",
					"description": "US Core",
					"author": {"name": "HL7 US Realm"},
					"license": "CC0-1.0",
					"url": "http://hl7.org/fhir/us/core",
					"canonical": "http://hl7.org/fhir/us/core",
					"type": "fhir.ig",
					"fhirVersions": ["4.0.1"],
					"dependencies": {"hl7.fhir.r4.core": "4.0.1"}
				}`,
			},
			Want: &VersionInfo{
				ID:           "hl7.fhir.us.core",
				Version:      "6.1.0",
				Description:  "US Core",
				Author:       "HL7 US Realm",
				License:      "CC0-1.0",
				Homepage:     "http://hl7.org/fhir/us/core",
				Canonical:    "http://hl7.org/fhir/us/core",
				FHIRVersions: []string{"4.0.1"},
				Dependencies: []string{"hl7.fhir.r4.core@4.0.1"},
				Kind:         KindIG,
			},
		},
		{
			Name: "CoreScalarVersion",
			Members: map[string]string{
				"package.json": `{
					"name": "hl7.fhir.r4.core",
					"version": "4.0.1",
					"author": "FHIR Project",
					"type": "fhir.core",
					"fhir-version": "4.0.1",
					"canonical": "http://hl7.org/fhir"
				}`,
			},
			Want: &VersionInfo{
				ID:           "hl7.fhir.r4.core",
				Version:      "4.0.1",
				Author:       "FHIR Project",
				Canonical:    "http://hl7.org/fhir",
				FHIRVersions: []string{"4.0.1"},
				Kind:         KindCore,
			},
		},
		{
			Name: "BackfillFromIndexAndIni",
			Members: map[string]string{
				"package.json": `{"name": "test.pkg", "version": "0.1.0"}`,
				".index.json":  `{"fhir-version": "3.0.2"}`,
				"ig.ini":       "[IG]\ncanonical = http://example.org/ig\n",
			},
			Want: &VersionInfo{
				ID:           "test.pkg",
				Version:      "0.1.0",
				Canonical:    "http://example.org/ig",
				FHIRVersions: []string{"3.0.2"},
				Kind:         KindIG,
			},
		},
		{
			Name: "DefaultFHIRVersion",
			Members: map[string]string{
				"package.json": `{"name": "test.pkg", "version": "0.1.0", "notForPublication": true}`,
			},
			Want: &VersionInfo{
				ID:                "test.pkg",
				Version:           "0.1.0",
				FHIRVersions:      []string{"4.0.1"},
				Kind:              KindIG,
				NotForPublication: true,
			},
		},
		{
			Name:    "NoPackageJSON",
			Members: map[string]string{".index.json": `{}`},
			Err:     fhirhub.ErrValidation,
		},
		{
			Name:    "BadPackageJSON",
			Members: map[string]string{"package.json": `{"name": `},
			Err:     fhirhub.ErrMalformedJSON,
		},
	}
	for _, tc := range tt {
		t.Run(tc.Name, func(t *testing.T) {
			got, err := DeriveMetadata(tc.Members)
			if tc.Err != "" {
				if !errors.Is(err, tc.Err) {
					t.Fatalf("got: %v, want kind: %v", err, tc.Err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if !cmp.Equal(got, tc.Want) {
				t.Error(cmp.Diff(got, tc.Want))
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	ok := VersionInfo{ID: "hl7.fhir.us.core", Version: "6.1.0", Canonical: "http://hl7.org/fhir/us/core"}
	if err := ok.Validate(); err != nil {
		t.Error(err)
	}
	for _, bad := range []VersionInfo{
		{ID: "UpperCase", Version: "1.0.0"},
		{ID: "-leading", Version: "1.0.0"},
		{ID: "ok.id", Version: "one.two"},
		{ID: "ok.id", Version: "1.0"},
		{ID: "ok.id", Version: "1.0.0", Canonical: "not-absolute"},
	} {
		if err := bad.Validate(); !errors.Is(err, fhirhub.ErrValidation) {
			t.Errorf("%+v: got: %v, want validation error", bad, err)
		}
	}
}
