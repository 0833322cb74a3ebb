// Package config loads the WORKFLOW_* environment variables spec.md §6
// recognizes into a typed struct. They carry no semantics the engine itself
// interprets, matching the teacher's own small env-var-loader convention for
// runtime-level config (no framework: a plain struct filled with os.Getenv)
// rather than a config library.
package config

import "os"

// Config mirrors spec.md §6's "Environment-driven configuration" list.
type Config struct {
	// LocalBaseURL, LocalDataDir, TargetWorld and the Vercel* fields are
	// loaded for the host to use; cmd/workflowd does not read them and picks
	// its listen address, store and queue from its own flags.
	LocalBaseURL    string
	LocalDataDir    string
	TargetWorld     string
	VercelEnv       string
	VercelAuthToken string
	VercelProject   string
	VercelTeam      string
	// ManifestPath, if set, is the manifest.json file cmd/workflowd reads
	// and validates with internal/manifest; when unset it serves its
	// built-in demo manifest.
	ManifestPath string
	// PublicManifest, if set, is served verbatim at
	// GET /.well-known/workflow/v1/manifest.json instead of the loaded
	// manifest (spec.md §6).
	PublicManifest string
}

// FromEnviron reads Config from the process environment. Every field is
// optional; a host that does not set WORKFLOW_TARGET_WORLD, for instance,
// gets the zero value and decides its own default.
func FromEnviron() Config {
	return Config{
		LocalBaseURL:    os.Getenv("WORKFLOW_LOCAL_BASE_URL"),
		LocalDataDir:    os.Getenv("WORKFLOW_LOCAL_DATA_DIR"),
		TargetWorld:     os.Getenv("WORKFLOW_TARGET_WORLD"),
		VercelEnv:       os.Getenv("WORKFLOW_VERCEL_ENV"),
		VercelAuthToken: os.Getenv("WORKFLOW_VERCEL_AUTH_TOKEN"),
		VercelProject:   os.Getenv("WORKFLOW_VERCEL_PROJECT"),
		VercelTeam:      os.Getenv("WORKFLOW_VERCEL_TEAM"),
		ManifestPath:    os.Getenv("WORKFLOW_MANIFEST_PATH"),
		PublicManifest:  os.Getenv("WORKFLOW_PUBLIC_MANIFEST"),
	}
}
