package gen

import (
	"regexp"
	"strings"
)

// maxCodeBytes bounds accepted scene code. Generated scenes are a few KB;
// anything near this limit is not a scene.
const maxCodeBytes = 100_000

var reSceneClass = regexp.MustCompile(`(?m)^\s*class\s+\w+\s*\([^)]*Scene[^)]*\)\s*:`)

// forbidden lists code fragments that must never reach the sandbox, with the
// reason surfaced to the caller. The sandbox is the real boundary; this is
// the cheap first gate.
var forbidden = []struct {
	marker string
	reason string
}{
	{"import subprocess", "subprocess use is not allowed"},
	{"import socket", "network access is not allowed"},
	{"import requests", "network access is not allowed"},
	{"import urllib", "network access is not allowed"},
	{"import http", "network access is not allowed"},
	{"os.system", "shell execution is not allowed"},
	{"os.popen", "shell execution is not allowed"},
	{"shutil.rmtree", "filesystem destruction is not allowed"},
	{"__import__", "dynamic imports are not allowed"},
	{"eval(", "eval is not allowed"},
	{"exec(", "exec is not allowed"},
}

// Validate checks scene code before it is accepted for execution. Returns a
// *ValidationError describing the first problem found, or nil.
func Validate(code string) error {
	trimmed := strings.TrimSpace(code)
	if trimmed == "" {
		return &ValidationError{Reason: "code is empty"}
	}
	if len(code) > maxCodeBytes {
		return &ValidationError{Reason: "code exceeds the size limit"}
	}
	if !strings.Contains(code, "from manim import") && !strings.Contains(code, "import manim") {
		return &ValidationError{Reason: "code does not import manim"}
	}
	if !reSceneClass.MatchString(code) {
		return &ValidationError{Reason: "code does not define a Scene class"}
	}
	for _, f := range forbidden {
		if strings.Contains(code, f.marker) {
			return &ValidationError{Reason: f.reason}
		}
	}
	return nil
}
