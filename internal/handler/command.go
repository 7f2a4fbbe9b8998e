package handler

import (
	"regexp"
	"strings"
)

// Commands recognized as runnable first tokens. Anything else inside
// backticks is assumed to be a file path or prose, not a command.
var knownCommands = map[string]struct{}{
	"pip": {}, "pip3": {}, "python": {}, "python3": {},
	"npm": {}, "npx": {}, "node": {}, "yarn": {}, "pnpm": {},
	"go": {}, "cargo": {}, "rustc": {}, "mvn": {}, "gradle": {}, "javac": {}, "java": {},
	"ruby": {}, "bundle": {}, "gem": {}, "rspec": {},
	"git": {}, "docker": {}, "make": {}, "cmake": {},
	"mkdir": {}, "ls": {}, "cat": {}, "cp": {}, "mv": {}, "rm": {},
	"find": {}, "grep": {}, "chmod": {}, "chown": {},
	"cd": {}, "echo": {}, "export": {}, "source": {}, "touch": {},
	"curl": {}, "wget": {}, "tar": {}, "unzip": {},
	"apt": {}, "apt-get": {}, "brew": {}, "yum": {}, "dnf": {}, "pacman": {},
	"pytest": {}, "jest": {}, "tox": {}, "mypy": {}, "flake8": {}, "black": {}, "ruff": {},
}

var (
	inlineCodeRE = regexp.MustCompile("`([^`\n]+)`")
	fileExtRE    = regexp.MustCompile(`\.\w{1,5}$`)
	firstTokenRE = regexp.MustCompile(`[\s>|&;<]`)
)

// isFilePath reports whether text looks like a bare file or directory
// path rather than a command.
func isFilePath(text string) bool {
	text = strings.TrimSpace(text)
	if strings.ContainsRune(text, ' ') {
		return false
	}
	return strings.ContainsAny(text, `/\`) || fileExtRE.MatchString(text)
}

// looksLikeCommand reports whether text starts with a recognized
// executable.
func looksLikeCommand(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" || isFilePath(text) {
		return false
	}
	first := strings.ToLower(firstTokenRE.Split(text, 2)[0])
	first = strings.TrimSuffix(first, ".exe")
	_, ok := knownCommands[first]
	return ok
}

// ExtractCommand pulls an inline backticked command out of a step
// description, skipping bare file paths like `tests/test_main.py`.
func ExtractCommand(stepText string) (string, bool) {
	for _, m := range inlineCodeRE.FindAllStringSubmatch(stepText, -1) {
		candidate := strings.TrimSpace(m[1])
		if looksLikeCommand(candidate) {
			return candidate, true
		}
	}
	return "", false
}
