package sandbox

import "strings"

// signature maps a known stderr fragment to an exit classification. The list
// is ordered: the first match wins.
type signature struct {
	marker  string
	kind    ExitKind
	message string
}

var signatures = []signature{
	{"permission denied", ExitPermission, "the renderer could not access its working files; retried with relaxed privileges"},
	{"operation not permitted", ExitPermission, "the renderer was blocked by sandbox permissions"},
	{"read-only file system", ExitPermission, "the renderer tried to write outside its output mount"},
	{"could not open codec", ExitEncoding, "video encoding failed while muxing the output"},
	{"error while opening encoder", ExitEncoding, "video encoder unavailable inside the sandbox"},
	{"muxing", ExitEncoding, "video encoding failed while muxing the output"},
	{"ffmpeg", ExitEncoding, "the ffmpeg stage of the render failed"},
	{"out of memory", ExitResource, "the render exceeded the sandbox memory ceiling"},
	{"cannot allocate memory", ExitResource, "the render exceeded the sandbox memory ceiling"},
	{"no space left on device", ExitResource, "the render exceeded the sandbox temp-space ceiling"},
	{"killed", ExitResource, "the render was killed by the sandbox resource limits"},
	{"syntaxerror", ExitProgram, "the generated scene code has a syntax error"},
	{"traceback (most recent call last)", ExitProgram, "the generated scene code raised an exception"},
	{"nameerror", ExitProgram, "the generated scene code references an undefined name"},
	{"importerror", ExitProgram, "the generated scene code imports an unavailable module"},
	{"modulenotfounderror", ExitProgram, "the generated scene code imports an unavailable module"},
}

// Classify maps accumulated stderr and an exit code to an ExitError. Unknown
// output falls back to a generic non-zero-exit category; the raw stderr is
// always preserved.
func Classify(stderr string, code int) *ExitError {
	lower := strings.ToLower(stderr)
	for _, sig := range signatures {
		if strings.Contains(lower, sig.marker) {
			return &ExitError{Kind: sig.kind, Code: code, Message: sig.message, Stderr: stderr}
		}
	}
	return &ExitError{
		Kind:    ExitUnknown,
		Code:    code,
		Message: "the renderer exited with a non-zero status",
		Stderr:  stderr,
	}
}
