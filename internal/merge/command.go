package merge

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// Argument placeholders expanded by Command.
const (
	ArgOutput    = "{output}"    // merged image path
	ArgInputs    = "{inputs}"    // one argument per frame, in capture order
	ArgExposures = "{exposures}" // one argument per frame, exposure in seconds
	ArgAlgorithm = "{algorithm}"
	ArgTonemap   = "{tonemap}"
	ArgAlign     = "{align}" // "1" or "0"
)

const maxStderr = 4 << 10

// Command runs an external merge tool. Frames are written to a scratch
// directory; the tool writes the merged image to {output}.
type Command struct {
	Path string
	Args []string
	// Dir holds the scratch directories; empty uses the system temp dir.
	Dir string
	Log zerolog.Logger
}

// Expand returns the argument list for the given frame files.
func (c *Command) Expand(output string, inputs []string, frames []Frame, opts Options) []string {
	align := "0"
	if opts.Align {
		align = "1"
	}
	var out []string
	for _, a := range c.Args {
		switch a {
		case ArgInputs:
			out = append(out, inputs...)
		case ArgExposures:
			for _, f := range frames {
				out = append(out, strconv.FormatFloat(f.ExposureSeconds(), 'g', -1, 64))
			}
		default:
			r := strings.NewReplacer(
				ArgOutput, output,
				ArgAlgorithm, opts.Algorithm,
				ArgTonemap, opts.Tonemap,
				ArgAlign, align,
			)
			out = append(out, r.Replace(a))
		}
	}
	return out
}

func (c *Command) MergeSequence(ctx context.Context, frames []Frame, opts Options) ([]byte, error) {
	if len(frames) == 0 {
		return nil, ErrNoFrames
	}
	dir, err := os.MkdirTemp(c.Dir, "hdrgo-merge-")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			c.Log.Debug().Err(err).Str("dir", dir).Msg("remove scratch dir")
		}
	}()

	inputs := make([]string, len(frames))
	for i, f := range frames {
		inputs[i] = filepath.Join(dir, fmt.Sprintf("frame_%02d.jpg", i))
		if err := os.WriteFile(inputs[i], f.Image, 0o600); err != nil {
			return nil, fmt.Errorf("write frame %d: %w", i, err)
		}
	}
	output := filepath.Join(dir, "merged.jpg")
	args := c.Expand(output, inputs, frames, opts)

	cmd := exec.CommandContext(ctx, c.Path, args...) // #nosec G204 -- path and args come from the config file
	var stderr bytes.Buffer
	cmd.Stderr = &limitedWriter{buf: &stderr, max: maxStderr}
	c.Log.Debug().Str("cmd", c.Path).Strs("args", args).Msg("running merge tool")
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("merge tool %s: %w", c.Path, ctx.Err())
		}
		return nil, fmt.Errorf("merge tool %s: %w: %s", c.Path, err, strings.TrimSpace(stderr.String()))
	}

	data, err := os.ReadFile(output)
	if err != nil {
		return nil, fmt.Errorf("read merged image: %w", err)
	}
	return data, nil
}

// limitedWriter keeps the first max bytes and discards the rest.
type limitedWriter struct {
	buf *bytes.Buffer
	max int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	if room := w.max - w.buf.Len(); room > 0 {
		if len(p) > room {
			w.buf.Write(p[:room])
		} else {
			w.buf.Write(p)
		}
	}
	return len(p), nil
}
