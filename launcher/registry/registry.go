package registry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"vertex_launcher/utils/logging"
)

// ImagePath assembles the fully qualified Artifact Registry reference for an
// image: <location>-docker.pkg.dev/<project>/<repository>/<image>:<tag>.
func ImagePath(location, project, repository, image, tag string) string {
	return fmt.Sprintf("%v/%v/%v/%v:%v", RegistryHost(location), project, repository, image, tag)
}

func RegistryHost(location string) string {
	return fmt.Sprintf("%v-docker.pkg.dev", location)
}

// CommandRunner executes an external command, forwarding its output to the
// caller's stdout/stderr. Factored out so the workflow stages can be tested
// without a docker daemon.
type CommandRunner func(ctx context.Context, stdin io.Reader, name string, args ...string) error

func execRunner(ctx context.Context, stdin io.Reader, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// Docker drives the host docker cli for building and pushing images.
type Docker struct {
	runner CommandRunner
}

func NewDocker() *Docker {
	return &Docker{runner: execRunner}
}

func NewDockerWithRunner(runner CommandRunner) *Docker {
	return &Docker{runner: runner}
}

func (d *Docker) Build(ctx context.Context, buildDir, tag string) error {
	slog.Info("building image", "dir", buildDir, "tag", tag, "code", logging.IMAGE_BUILD)

	err := d.runner(ctx, nil, "docker", "build", "-t", tag, buildDir)
	if err != nil {
		slog.Error("error building image", "tag", tag, "error", err, "code", logging.IMAGE_BUILD)
		return fmt.Errorf("error building image %v: %w", tag, err)
	}

	return nil
}

func (d *Docker) Tag(ctx context.Context, source, target string) error {
	slog.Info("tagging image", "source", source, "target", target, "code", logging.IMAGE_BUILD)

	err := d.runner(ctx, nil, "docker", "tag", source, target)
	if err != nil {
		slog.Error("error tagging image", "source", source, "target", target, "error", err, "code", logging.IMAGE_BUILD)
		return fmt.Errorf("error tagging image %v as %v: %w", source, target, err)
	}

	return nil
}

// Login authenticates the docker cli to the registry host using the service
// account key file (json key auth), passing the key over stdin so it never
// appears in the process argument list.
func (d *Docker) Login(ctx context.Context, host, keyFile string) error {
	slog.Info("authenticating to registry", "host", host, "code", logging.IMAGE_PUSH)

	key, err := os.Open(keyFile)
	if err != nil {
		slog.Error("error opening service account key", "path", keyFile, "error", err, "code", logging.IMAGE_PUSH)
		return fmt.Errorf("error opening service account key %v: %w", keyFile, err)
	}
	defer key.Close()

	err = d.runner(ctx, key, "docker", "login", "-u", "_json_key", "--password-stdin", "https://"+host)
	if err != nil {
		slog.Error("error authenticating to registry", "host", host, "error", err, "code", logging.IMAGE_PUSH)
		return fmt.Errorf("error authenticating to registry %v: %w", host, err)
	}

	return nil
}

func (d *Docker) Push(ctx context.Context, ref string) error {
	slog.Info("pushing image", "ref", ref, "code", logging.IMAGE_PUSH)

	err := d.runner(ctx, nil, "docker", "push", ref)
	if err != nil {
		slog.Error("error pushing image", "ref", ref, "error", err, "code", logging.IMAGE_PUSH)
		return fmt.Errorf("error pushing image %v: %w", ref, err)
	}

	return nil
}
