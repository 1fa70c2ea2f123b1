package shell_exec

import (
	"context"
	"fmt"
	"strings"

	"github.com/davarch/ci-promoter/internal/domain"
)

type BuildCommands struct {
	Dir       string
	Env       []string
	Package   []string
	UnitTests []string
	Image     []string
	Push      []string
}

// Builder packages the application, runs its unit tests and builds the
// container image with configured commands.
type Builder struct {
	run  domain.CommandRunner
	cmds BuildCommands
}

func NewBuilder(run domain.CommandRunner, cmds BuildCommands) *Builder {
	return &Builder{run: run, cmds: cmds}
}

func expand(argv []string, rep *strings.Replacer) []string {
	out := make([]string, len(argv))
	for i, a := range argv {
		out[i] = rep.Replace(a)
	}
	return out
}

func placeholders(image, repo, tag, revision string) *strings.Replacer {
	return strings.NewReplacer(
		"{{image}}", image,
		"{{repository}}", repo,
		"{{tag}}", tag,
		"{{revision}}", revision,
	)
}

func (b *Builder) step(ctx context.Context, name string, dir string, argv []string) (domain.CommandResult, error) {
	res, err := b.run.Run(ctx, dir, argv, b.cmds.Env)
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		return res, &domain.BuildError{Step: name, Output: res.Output, Err: err}
	}
	return res, nil
}

func (b *Builder) Build(ctx context.Context, src domain.SourceRef, imageRepository string) (domain.BuildReport, error) {
	artifact, err := domain.NewArtifactReference(src.BuildNumber, imageRepository, src.BuildNumber)
	if err != nil {
		return domain.BuildReport{}, err
	}

	dir := b.cmds.Dir
	if src.Repository != "" && src.Repository != "." {
		dir = src.Repository
	}
	rep := placeholders(artifact.Image(), artifact.Repository(), artifact.Tag(), src.Revision)

	if len(b.cmds.Package) > 0 {
		res, err := b.step(ctx, "package", dir, expand(b.cmds.Package, rep))
		if err != nil {
			return domain.BuildReport{}, err
		}
		if res.ExitCode != 0 {
			return domain.BuildReport{}, &domain.BuildError{
				Step: "package", Output: res.Output, Err: fmt.Errorf("exit status %d", res.ExitCode),
			}
		}
	}

	report := domain.BuildReport{Artifact: artifact}
	if len(b.cmds.UnitTests) > 0 {
		res, err := b.step(ctx, "unit-tests", dir, expand(b.cmds.UnitTests, rep))
		if err != nil {
			return domain.BuildReport{}, err
		}
		report.UnitTests = &domain.TestReport{Passed: res.ExitCode == 0, Output: res.Output}
	}

	if len(b.cmds.Image) > 0 {
		res, err := b.step(ctx, "image", dir, expand(b.cmds.Image, rep))
		if err != nil {
			return domain.BuildReport{}, err
		}
		if res.ExitCode != 0 {
			return domain.BuildReport{}, &domain.BuildError{
				Step: "image", Output: res.Output, Err: fmt.Errorf("exit status %d", res.ExitCode),
			}
		}
	}
	return report, nil
}

// Push runs the configured push command. A non-zero exit means the registry
// did not accept the image.
func (b *Builder) Push(ctx context.Context, image, tag string) (bool, error) {
	if len(b.cmds.Push) == 0 {
		return true, nil
	}
	rep := placeholders(image+":"+tag, image, tag, "")
	res, err := b.run.Run(ctx, b.cmds.Dir, expand(b.cmds.Push, rep), b.cmds.Env)
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0, nil
}
