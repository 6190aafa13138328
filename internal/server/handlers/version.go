package handlers

import (
	"net/http"
	"runtime"
	"sync"
)

// VersionInfo describes the running build.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
}

var (
	versionMu   sync.RWMutex
	versionInfo = VersionInfo{Version: "dev", Commit: "unknown", BuildDate: "unknown"}
)

// SetVersionInfo records build metadata for the version endpoint.
func SetVersionInfo(version, commit, buildDate string) {
	versionMu.Lock()
	defer versionMu.Unlock()
	versionInfo = VersionInfo{Version: version, Commit: commit, BuildDate: buildDate}
}

// CurrentVersion returns the recorded build metadata.
func CurrentVersion() VersionInfo {
	versionMu.RLock()
	defer versionMu.RUnlock()
	v := versionInfo
	v.GoVersion = runtime.Version()
	return v
}

// VersionHandler serves GET /version.
func VersionHandler(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, CurrentVersion())
}
