// Package fhirhub holds the types shared across the fhirhub subsystems.
//
// The interesting code lives in the subsystem packages: packages (the FHIR
// NPM catalog and its crawler), registry (the terminology server registry
// and resolver), and shl (SMART Health Links and VHL signing). This package
// carries the error domain and the few vocabulary types more than one
// subsystem needs.
package fhirhub

// FHIRReleases maps FHIR release labels to the version they expand to for
// searching and filtering.
var FHIRReleases = map[string]string{
	"R2": "1.0.2",
	"R3": "3.0.2",
	"R4": "4.0.1",
	"R5": "5.0.0",
}

// DefaultFHIRVersion is assumed when a package declares no FHIR version at
// all.
const DefaultFHIRVersion = `4.0.1`

// ExpandFHIRVersion resolves a release label ("R4") to its version string.
// Anything that's not a known label is returned unchanged.
func ExpandFHIRVersion(v string) string {
	if e, ok := FHIRReleases[v]; ok {
		return e
	}
	return v
}
