// Package schemasassets provides embedded JSON schemas so validation works
// regardless of the working directory or installation location.
package schemasassets

import _ "embed"

// ProfileManifestSchema is the embedded profile-manifest JSON schema.
//
//go:embed profile-manifest.schema.json
var ProfileManifestSchema []byte
