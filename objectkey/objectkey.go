// Package objectkey evaluates object name templates such as
// `artifacts/{{ .OS }}-{{ .Arch }}/deps-{{ checksum "go.sum" }}.tzst`.
package objectkey

import (
	"bytes"
	"fmt"
	"runtime"
	"strings"
	"text/template"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

// Model evaluates templates against the build environment.
type Model struct {
	envRepo env.Repository
	logger  log.Logger
	os      string
	arch    string
	workDir string
}

type templateInventory struct {
	OS         string
	Arch       string
	Workflow   string
	Branch     string
	CommitHash string
}

// NewModel creates a Model resolving relative checksum paths against workDir,
// or the process working directory when workDir is empty.
func NewModel(envRepo env.Repository, logger log.Logger, workDir string) Model {
	return Model{
		envRepo: envRepo,
		logger:  logger,
		os:      runtime.GOOS,
		arch:    runtime.GOARCH,
		workDir: workDir,
	}
}

// Evaluate returns the object name produced by the template.
func (m Model) Evaluate(key string) (string, error) {
	funcMap := template.FuncMap{
		"getenv":   m.getEnvVar,
		"checksum": m.checksum,
	}

	tmpl, err := template.New("").Funcs(funcMap).Parse(key)
	if err != nil {
		return "", fmt.Errorf("invalid template: %w", err)
	}

	inventory := templateInventory{
		OS:         m.os,
		Arch:       m.arch,
		Workflow:   m.envRepo.Get("BITRISE_TRIGGERED_WORKFLOW_ID"),
		Branch:     m.envRepo.Get("BITRISE_GIT_BRANCH"),
		CommitHash: m.commitHash(),
	}
	if strings.Contains(key, ".") {
		m.validateInventory(key, inventory)
	}

	resultBuffer := bytes.Buffer{}
	if err := tmpl.Execute(&resultBuffer, inventory); err != nil {
		return "", err
	}

	result := strings.TrimSpace(resultBuffer.String())
	if result == "" {
		return "", fmt.Errorf("template %q evaluates to an empty object name", key)
	}
	return result, nil
}

func (m Model) commitHash() string {
	if hash := m.envRepo.Get("BITRISE_GIT_COMMIT"); hash != "" {
		return hash
	}
	return m.envRepo.Get("GIT_CLONE_COMMIT_HASH")
}

func (m Model) getEnvVar(key string) string {
	return m.envRepo.Get(key)
}

func (m Model) validateInventory(key string, inventory templateInventory) {
	m.warnIfEmpty(key, "Workflow", inventory.Workflow)
	m.warnIfEmpty(key, "Branch", inventory.Branch)
	m.warnIfEmpty(key, "CommitHash", inventory.CommitHash)
}

func (m Model) warnIfEmpty(key, name, value string) {
	if value == "" && strings.Contains(key, "."+name) {
		m.logger.Warnf("Template variable .%s is not defined", name)
	}
}
