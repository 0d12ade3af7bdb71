package fsutil

import (
	"bytes"
	"context"
	"os/exec"

	"github.com/cuemby/warden/pkg/errdefs"
	"github.com/cuemby/warden/pkg/log"
)

// Unpack extracts tarball into dir by spawning tar. Compression is
// auto-detected by tar. The context bounds the disk operation.
func Unpack(ctx context.Context, tarball, dir Path) error {
	return runTar(ctx, "-C", dir.String(), "--numeric-owner", "-xpaf", tarball.String())
}

// Pack writes the contents of dir into tarball.
func Pack(ctx context.Context, dir, tarball Path) error {
	return runTar(ctx, "-C", dir.String(), "--numeric-owner", "-cpaf", tarball.String(), ".")
}

func runTar(ctx context.Context, args ...string) error {
	log.WithComponent("tar").Debug().Strs("args", args).Msg("spawn tar")
	cmd := exec.CommandContext(ctx, "tar", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return errdefs.Newf(errdefs.Busy, "tar timed out: %v", ctx.Err())
		}
		return errdefs.Newf(errdefs.Unknown, "tar failed: %v: %s", err, stderr.String())
	}
	return nil
}
