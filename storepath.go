package disnix

// StorePath is an absolute filesystem path under the store prefix. It is
// treated as an opaque immutable identifier: two store paths compare by byte
// equality and are never otherwise interpreted by this package.
type StorePath string

// DerivationPath is a StorePath whose content is a build recipe. Realising it
// yields one or more output StorePaths.
type DerivationPath string

// StorePathArgs converts paths to a plain string slice, e.g. for use as
// trailing argv entries to a store command.
func StorePathArgs(paths []StorePath) []string {
	args := make([]string, len(paths))
	for i, p := range paths {
		args[i] = string(p)
	}
	return args
}

// DerivationPathArgs converts derivations to a plain string slice, e.g. for
// use as trailing argv entries to a store command.
func DerivationPathArgs(derivations []DerivationPath) []string {
	args := make([]string, len(derivations))
	for i, d := range derivations {
		args[i] = string(d)
	}
	return args
}
