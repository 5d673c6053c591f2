// Package buildspec turns normalized branch events into build job
// specifications, including the rendered build-service document.
package buildspec

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/quickpay/review-apps/internal/model"
)

// BuildContext carries the deployment-target settings a generated spec
// is parameterized with. It is assembled once from configuration at
// startup and shared by all generations.
type BuildContext struct {
	// AccountID is the target cloud account.
	AccountID string

	// Region is the target region.
	Region string

	// ServiceRoleARN is the role build jobs execute under.
	ServiceRoleARN string

	// ArtifactBucket is the storage location for build artifacts.
	ArtifactBucket string

	// StackPrefix is prepended to every generated stack name.
	StackPrefix string

	// DefaultRepoURL is used when the event carries no clone URL.
	DefaultRepoURL string

	// Environment is extra plain environment injected into every job.
	Environment map[string]string

	// Secrets maps environment variable names to secret references.
	Secrets map[string]model.SecretRef
}

// Generator produces JobSpecs. Generation is pure: the same event and
// context always yield the same spec.
type Generator struct {
	context BuildContext
	logger  *zap.Logger
}

// NewGenerator creates a new Generator.
func NewGenerator(context BuildContext, logger *zap.Logger) *Generator {
	return &Generator{
		context: context,
		logger:  logger,
	}
}

// Generate builds the deployment spec for a branch event.
func (g *Generator) Generate(event model.BranchEvent) (*model.JobSpec, error) {
	return g.generate(event, deployCommands())
}

// GenerateTeardown builds the spec that destroys a branch's stack.
func (g *Generator) GenerateTeardown(event model.BranchEvent) (*model.JobSpec, error) {
	return g.generate(event, teardownCommands())
}

func (g *Generator) generate(event model.BranchEvent, commands commandSet) (*model.JobSpec, error) {
	if event.SourceBranch == "" {
		return nil, fmt.Errorf("event has no source branch")
	}

	stackName := g.stackNameFor(event.SourceBranch)

	repoURL := event.RepoCloneURL
	if repoURL == "" {
		repoURL = g.context.DefaultRepoURL
	}

	spec := &model.JobSpec{
		BranchName:      event.SourceBranch,
		StackName:       stackName,
		AccountID:       g.context.AccountID,
		Region:          g.context.Region,
		ServiceRoleARN:  g.context.ServiceRoleARN,
		ArtifactBucket:  g.context.ArtifactBucket,
		SourceRepoURL:   repoURL,
		Environment:     g.environmentFor(event.SourceBranch, stackName),
		Secrets:         g.context.Secrets,
		CommandSequence: commands.flatten(),
	}

	rendered, err := renderBuildspec(spec, commands)
	if err != nil {
		return nil, fmt.Errorf("failed to render buildspec: %w", err)
	}
	spec.Buildspec = rendered

	g.logger.Debug("Generated job spec",
		zap.String("branch", event.SourceBranch),
		zap.String("stack", stackName),
	)

	return spec, nil
}

func (g *Generator) stackNameFor(branch string) string {
	name := SanitizeStackName(branch)
	if g.context.StackPrefix != "" {
		name = SanitizeStackName(g.context.StackPrefix + "-" + name)
	}
	return name
}

func (g *Generator) environmentFor(branch, stackName string) map[string]string {
	env := map[string]string{
		"BRANCH_NAME":     branch,
		"STACK_NAME":      stackName,
		"ACCOUNT_ID":      g.context.AccountID,
		"REGION":          g.context.Region,
		"ARTIFACT_BUCKET": g.context.ArtifactBucket,
	}

	for key, value := range g.context.Environment {
		env[key] = value
	}

	return env
}

// SanitizeStackName maps a branch name onto the character set stack
// names allow: lowercase alphanumerics and single hyphens, no leading or
// trailing hyphen. The mapping is idempotent, so a sanitized name passes
// through unchanged.
func SanitizeStackName(branch string) string {
	var b strings.Builder
	b.Grow(len(branch))

	lastHyphen := true // suppress leading hyphens
	for _, r := range strings.ToLower(branch) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}

	return strings.TrimRight(b.String(), "-")
}

// commandSet holds the per-phase shell steps of a build document.
type commandSet struct {
	install   []string
	build     []string
	postBuild []string
}

func (c commandSet) flatten() []string {
	commands := make([]string, 0, len(c.install)+len(c.build)+len(c.postBuild))
	commands = append(commands, c.install...)
	commands = append(commands, c.build...)
	commands = append(commands, c.postBuild...)
	return commands
}

func deployCommands() commandSet {
	return commandSet{
		install: []string{
			"npm install -g aws-cdk",
			"pip install -r requirements.txt",
		},
		build: []string{
			`cdk synth "$STACK_NAME"`,
		},
		postBuild: []string{
			`cdk deploy "$STACK_NAME" --require-approval never`,
		},
	}
}

func teardownCommands() commandSet {
	return commandSet{
		install: []string{
			"npm install -g aws-cdk",
			"pip install -r requirements.txt",
		},
		build: []string{
			`cdk synth "$STACK_NAME"`,
		},
		postBuild: []string{
			`cdk destroy "$STACK_NAME" --force`,
		},
	}
}

// document mirrors the build-service buildspec schema. yaml.v3 sorts map
// keys, so rendering is deterministic.
type document struct {
	Version string `yaml:"version"`
	Env     env    `yaml:"env,omitempty"`
	Phases  phases `yaml:"phases"`
}

type env struct {
	Variables      map[string]string `yaml:"variables,omitempty"`
	SecretsManager map[string]string `yaml:"secrets-manager,omitempty"`
}

type phases struct {
	Install   phase `yaml:"install"`
	Build     phase `yaml:"build"`
	PostBuild phase `yaml:"post_build"`
}

type phase struct {
	Commands []string `yaml:"commands"`
}

func renderBuildspec(spec *model.JobSpec, commands commandSet) (string, error) {
	doc := document{
		Version: "0.2",
		Env: env{
			Variables: spec.Environment,
		},
		Phases: phases{
			Install:   phase{Commands: commands.install},
			Build:     phase{Commands: commands.build},
			PostBuild: phase{Commands: commands.postBuild},
		},
	}

	if len(spec.Secrets) > 0 {
		refs := make(map[string]string, len(spec.Secrets))
		for name, secret := range spec.Secrets {
			refs[name] = secret.Reference()
		}
		doc.Env.SecretsManager = refs
	}

	out, err := yaml.Marshal(&doc)
	if err != nil {
		return "", err
	}

	return string(out), nil
}
