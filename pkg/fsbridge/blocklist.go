package fsbridge

import "strings"

// Sensitive-path patterns. Matching is case-insensitive and separator
// normalized, applied to both the path the agent asked for and every
// symlink-resolved form of it.
var (
	blockedSubstrings = []string{
		".ssh/",
		".gnupg/",
		".aws/credentials",
		".config/gcloud/",
		".azure/",
		".env",
		".netrc",
		".pgpass",
		"id_rsa",
		"id_ed25519",
		"id_ecdsa",
		".keychain",
		"keychains/",
		"/etc/shadow",
		"/etc/sudoers",
		".docker/config.json",
		".kube/config",
		".npmrc",
		".pypirc",
	}

	blockedSuffixes = []string{
		".pem",
		".key",
		".p12",
		".pfx",
		".keystore",
		".jks",
		".ppk",
	}
)

// normalizePath lowercases and converts backslashes so patterns match the
// same way on every platform.
func normalizePath(path string) string {
	return strings.ToLower(strings.ReplaceAll(path, "\\", "/"))
}

// matchBlocklist returns the pattern a path matches, or "" if it is clean
func matchBlocklist(path string) string {
	norm := normalizePath(path)

	for _, sub := range blockedSubstrings {
		if strings.Contains(norm, sub) {
			return sub
		}
	}
	for _, suffix := range blockedSuffixes {
		if strings.HasSuffix(norm, suffix) {
			return suffix
		}
	}
	return ""
}
