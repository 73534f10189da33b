package worktree

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"
)

// Config holds configuration for the worktree manager.
type Config struct {
	// BasePath is the base directory for worktree storage.
	// Supports ~ expansion for home directory.
	// Default: ~/.chorus/worktrees
	BasePath string `mapstructure:"base_path"`

	// BranchPrefix is the prefix used for worktree branch names.
	// Default: chorus/
	BranchPrefix string `mapstructure:"branch_prefix"`

	// DefaultBranch is the base branch used when a workspace does not
	// specify one. Default: main
	DefaultBranch string `mapstructure:"default_branch"`
}

// DefaultBranchPrefix is used when no prefix is configured.
const DefaultBranchPrefix = "chorus/"

// Validate validates the configuration and fills in defaults.
func (c *Config) Validate() error {
	if c.BranchPrefix == "" {
		c.BranchPrefix = DefaultBranchPrefix
	}
	if err := ValidateBranchPrefix(c.BranchPrefix); err != nil {
		return err
	}
	if c.BasePath == "" {
		c.BasePath = "~/.chorus/worktrees"
	}
	if c.DefaultBranch == "" {
		c.DefaultBranch = "main"
	}
	return nil
}

// ExpandedBasePath returns the base path with ~ expanded to the user's home directory.
func (c *Config) ExpandedBasePath() (string, error) {
	path := c.BasePath
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[2:])
	}
	return path, nil
}

// WorktreePath returns the full path for a worktree directory name.
func (c *Config) WorktreePath(dirName string) (string, error) {
	basePath, err := c.ExpandedBasePath()
	if err != nil {
		return "", err
	}
	return filepath.Join(basePath, dirName), nil
}

// SanitizeForBranch converts a title into a valid git branch name component.
// It:
// - Converts to lowercase
// - Replaces spaces and special characters with hyphens
// - Removes consecutive hyphens
// - Truncates to maxLen characters
// - Removes leading/trailing hyphens
func SanitizeForBranch(title string, maxLen int) string {
	if title == "" {
		return ""
	}

	result := strings.ToLower(title)

	// Git branch names allow more, but alphanumeric plus hyphens keeps names clean
	var sb strings.Builder
	for _, r := range result {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(r)
		} else {
			sb.WriteRune('-')
		}
	}
	result = sb.String()

	re := regexp.MustCompile(`-+`)
	result = re.ReplaceAllString(result, "-")

	result = strings.Trim(result, "-")

	// Truncate on rune boundaries so multibyte letters are never split
	if runes := []rune(result); len(runes) > maxLen {
		result = string(runes[:maxLen])
		result = strings.TrimRight(result, "-")
	}

	return result
}

// ValidateBranchPrefix ensures a prefix contains only safe branch characters.
func ValidateBranchPrefix(prefix string) error {
	trimmed := strings.TrimSpace(prefix)
	if trimmed == "" {
		return nil
	}
	for _, r := range trimmed {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '/' || r == '-' || r == '_' || r == '.' {
			continue
		}
		return fmt.Errorf("invalid branch prefix")
	}
	if strings.Contains(trimmed, "..") || strings.Contains(trimmed, "@{") {
		return fmt.Errorf("invalid branch prefix")
	}
	return nil
}

const branchSuffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// SmallSuffix returns a random suffix capped at 3 characters.
func SmallSuffix(maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if maxLen > 3 {
		maxLen = 3
	}
	buf := make([]byte, maxLen)
	if _, err := rand.Read(buf); err != nil {
		return strings.Repeat("x", maxLen)
	}
	for i := range buf {
		buf[i] = branchSuffixAlphabet[int(buf[i])%len(branchSuffixAlphabet)]
	}
	return string(buf)
}

// SemanticWorktreeName generates a worktree directory name from a session title.
// Format: {sanitizedTitle}_{suffix} e.g. fix-login-bug_ab12cd34
// The title is truncated to 20 characters before adding the suffix.
func SemanticWorktreeName(title, suffix string) string {
	semanticName := SanitizeForBranch(title, 20)
	if semanticName == "" {
		return suffix
	}
	return semanticName + "_" + suffix
}
