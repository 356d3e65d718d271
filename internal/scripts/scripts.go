// Package scripts builds the shell scripts run on boxes and workspace hosts.
// Every function is pure: it only composes text, and all values coming from
// callers are single-quoted before they reach the shell.
package scripts

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/fslongjin/agentboxd/internal/jobspec"
)

const (
	// JobSpecFile is relative to the workspace directory.
	JobSpecFile = ".agent/jobspec.json"
	EnvFile     = ".env"

	NVMVersion = "v0.39.7"

	strictMode = "set -euo pipefail"
)

var ErrUnsafePath = errors.New("unsafe workspace path")

// ProvisionInput describes one workspace to lay down on a host. An empty
// RepoURL produces an empty workspace.
type ProvisionInput struct {
	WorkspacePath string
	RepoURL       string
	Branch        string
	Spec          *jobspec.Spec
	Env           map[string]string
}

// ProvisionScript wipes and recreates the workspace directory, clones the
// repository, writes the job spec and .env files, installs the toolchain and
// runs the setup commands, in that order.
func ProvisionScript(in ProvisionInput) ([]string, error) {
	if err := checkPath(in.WorkspacePath); err != nil {
		return nil, err
	}
	dir := ShellQuote(in.WorkspacePath)

	lines := []string{
		strictMode,
		"rm -rf " + dir,
		"mkdir -p " + dir,
	}
	if in.RepoURL != "" {
		clone := "git clone"
		if in.Branch != "" {
			clone += " --branch " + ShellQuote(in.Branch) + " --single-branch"
		}
		lines = append(lines, clone+" "+ShellQuote(in.RepoURL)+" "+dir)
	}
	lines = append(lines, "cd "+dir)

	if in.Spec != nil {
		data, err := in.Spec.JSON()
		if err != nil {
			return nil, err
		}
		lines = append(lines,
			"mkdir -p "+ShellQuote(path.Dir(JobSpecFile)),
			"printf '%s' "+ShellQuote(string(data))+" > "+ShellQuote(JobSpecFile),
		)
	}
	lines = append(lines, "printf '%s' "+ShellQuote(FormatDotenv(in.Env))+" > "+EnvFile)

	if in.Spec != nil {
		lines = append(lines, Toolchain(in.Spec)...)
		lines = append(lines, in.Spec.SetupCommands...)
	}
	return lines, nil
}

// ExecuteScript runs command inside the workspace with .env exported and the
// toolchain re-applied from the job spec file on the host.
func ExecuteScript(workspacePath, command string) ([]string, error) {
	if err := checkPath(workspacePath); err != nil {
		return nil, err
	}
	lines := []string{
		strictMode,
		"cd " + ShellQuote(workspacePath),
		"if [ -f " + EnvFile + " ]; then set -a; . ./" + EnvFile + "; set +a; fi",
		"if [ -f " + ShellQuote(JobSpecFile) + " ]; then",
	}
	lines = append(lines, ToolchainFromFile(JobSpecFile)...)
	lines = append(lines, "fi", command)
	return lines, nil
}

func TeardownScript(workspacePath string) ([]string, error) {
	if err := checkPath(workspacePath); err != nil {
		return nil, err
	}
	return []string{strictMode, "rm -rf " + ShellQuote(workspacePath)}, nil
}

// BootstrapScript installs the baseline packages and nvm on a host. Packages
// already present are left alone, so the script is safe to rerun.
func BootstrapScript() []string {
	return []string{
		strictMode,
		`missing=""`,
		`for pkg in git curl jq unzip; do command -v "$pkg" >/dev/null 2>&1 || missing="$missing $pkg"; done`,
		`if [ -n "$missing" ]; then sudo apt-get update -y && sudo DEBIAN_FRONTEND=noninteractive apt-get install -y $missing; fi`,
		`export NVM_DIR="$HOME/.nvm"`,
		`if [ ! -s "$NVM_DIR/nvm.sh" ]; then curl -fsSL https://raw.githubusercontent.com/nvm-sh/nvm/` + NVMVersion + `/install.sh | bash; fi`,
	}
}

// Toolchain pins the Node version through nvm and enables corepack,
// activating the pinned pnpm when the job spec pins one.
func Toolchain(spec *jobspec.Spec) []string {
	node := ShellQuote(spec.Runtime.Node)
	lines := append(nvmPrelude(),
		"nvm install "+node,
		"nvm use "+node,
		"corepack enable",
	)
	if spec.Runtime.Pnpm != "" {
		lines = append(lines, "corepack prepare "+ShellQuote("pnpm@"+spec.Runtime.Pnpm)+" --activate")
	}
	return append(lines, "set -u")
}

// ToolchainFromFile is Toolchain with the versions read from a job spec file
// on the host at run time.
func ToolchainFromFile(specPath string) []string {
	file := ShellQuote(specPath)
	lines := append(nvmPrelude(),
		`NODE_VERSION="$(jq -r '.runtime.node' `+file+`)"`,
		`PNPM_VERSION="$(jq -r '.runtime.pnpm // empty' `+file+`)"`,
		`nvm install "$NODE_VERSION"`,
		`nvm use "$NODE_VERSION"`,
		"corepack enable",
		`if [ -n "$PNPM_VERSION" ]; then corepack prepare "pnpm@$PNPM_VERSION" --activate; fi`,
	)
	return append(lines, "set -u")
}

// nvm.sh reads unset variables, so nounset is off while it runs.
func nvmPrelude() []string {
	return []string{
		"set +u",
		`export NVM_DIR="$HOME/.nvm"`,
		`. "$NVM_DIR/nvm.sh"`,
	}
}

// PrepareRepoCommand updates an existing checkout in place or clones a fresh
// one, so running it twice leaves the same branch checked out.
func PrepareRepoCommand(repoPath, repoURL, branch string) string {
	dir := ShellQuote(repoPath)
	b := ShellQuote(branch)
	return fmt.Sprintf(
		"if [ -d %[1]s/.git ]; then cd %[1]s && git fetch --all --prune && git checkout %[2]s && git pull --ff-only origin %[2]s; "+
			"else mkdir -p \"$(dirname %[1]s)\" && git clone --branch %[2]s %[3]s %[1]s; fi",
		dir, b, ShellQuote(repoURL))
}

// InstallDependenciesCommand picks the package manager from the lockfile.
func InstallDependenciesCommand(repoPath string) string {
	return "if [ -s \"$HOME/.nvm/nvm.sh\" ]; then . \"$HOME/.nvm/nvm.sh\"; fi; cd " + ShellQuote(repoPath) + " && " +
		"if [ -f pnpm-lock.yaml ]; then corepack enable && pnpm install --frozen-lockfile; " +
		"elif [ -f yarn.lock ]; then corepack enable && yarn install --frozen-lockfile; " +
		"elif [ -f package-lock.json ]; then npm ci; " +
		"elif [ -f package.json ]; then npm install; " +
		"else echo 'no package manifest, skipping install'; fi"
}

func BootDevcontainerCommand(repoPath string) string {
	dir := ShellQuote(repoPath)
	return "cd " + dir + " && if [ -f .devcontainer/devcontainer.json ]; then devcontainer up --workspace-folder " + dir +
		"; else echo 'no devcontainer, skipping'; fi"
}

// InjectEnvCommand writes stdin to the .env file of the checkout.
func InjectEnvCommand(repoPath string) string {
	return "cat > " + ShellQuote(path.Join(repoPath, EnvFile))
}

// FormatDotenv renders env as KEY=value lines, keys sorted. The file is
// sourced by the shell, so any value outside a plain word charset is
// double-quoted with \, ", $ and backtick escaped. Newlines are kept as is.
func FormatDotenv(env map[string]string) string {
	if len(env) == 0 {
		return ""
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(dotenvValue(env[k]))
		b.WriteByte('\n')
	}
	return b.String()
}

var dotenvEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, `$`, `\$`, "`", "\\`")

func dotenvValue(v string) string {
	if isShellWord(v) {
		return v
	}
	return `"` + dotenvEscaper.Replace(v) + `"`
}

func isShellWord(v string) bool {
	for _, r := range v {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case strings.ContainsRune("_-.,:/@%+=", r):
		default:
			return false
		}
	}
	return true
}

func ShellQuote(v string) string {
	if v == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(v, "'", "'\"'\"'") + "'"
}

func checkPath(p string) error {
	clean := path.Clean(strings.TrimSpace(p))
	if p == "" || clean == "/" || clean == "." || !path.IsAbs(clean) {
		return fmt.Errorf("%w: %q", ErrUnsafePath, p)
	}
	return nil
}
