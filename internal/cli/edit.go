package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"timeflow/internal/history"
	"timeflow/internal/session"
)

const editHelp = `Commands:
  rotate [deg]   turn the photo, counter-clockwise positive (default -90)
  left, right    quarter turn
  align          level the face using the previous photo
  deflicker      match the brightness of the previous photo
  gapfill        blend a new frame between this photo and the next
  undo, redo     step through the edit history
  history        show the edit history
  ghost          pose landmarks of the previous photo
  next, prev     move along the timeline
  goto <id>      jump to a photo
  quit           leave the editor`

func newEditCmd(root *Root) *cobra.Command {
	var script []string

	cmd := &cobra.Command{
		Use:   "edit <photo_id>",
		Short: "Edit photos interactively",
		Long: `Open an editing session on a photo. Edits are applied to its proxy at once
and can be undone for as long as the session lasts.

` + editHelp,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = cmd.InOrStdin()
			if len(script) > 0 {
				in = strings.NewReader(strings.Join(script, "\n") + "\n")
			}
			ed := &editLoop{root: root, current: args[0], out: cmd.OutOrStdout()}
			return ed.run(cmd.Context(), in)
		},
	}
	cmd.Flags().StringArrayVarP(&script, "exec", "e", nil, "run a command instead of reading stdin (repeatable)")
	return cmd
}

type editLoop struct {
	root    *Root
	current string
	out     io.Writer
}

func (e *editLoop) run(ctx context.Context, in io.Reader) error {
	if _, err := e.position(ctx); err != nil {
		return err
	}
	fmt.Fprintf(e.out, "Editing %s. Type help for commands.\n", e.current)

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprintf(e.out, "%s> ", e.current)
		if !scanner.Scan() {
			fmt.Fprintln(e.out)
			return scanner.Err()
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		quit, err := e.dispatch(ctx, fields[0], fields[1:])
		if err != nil {
			fmt.Fprintf(e.out, "error: %v\n", err)
		}
		if quit {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (e *editLoop) dispatch(ctx context.Context, name string, args []string) (bool, error) {
	ed := e.root.editor
	name = strings.ToLower(name)
	switch name {
	case "quit", "q", "exit":
		return true, nil
	case "help", "?":
		fmt.Fprintln(e.out, editHelp)
	case "rotate", "r":
		deg := session.DefaultRotation
		if len(args) > 0 {
			v, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return false, fmt.Errorf("rotate: bad angle %q", args[0])
			}
			deg = v
		}
		return false, e.report(ed.Rotate(ctx, e.current, deg))
	case "left":
		return false, e.report(ed.Rotate(ctx, e.current, 90))
	case "right":
		return false, e.report(ed.Rotate(ctx, e.current, -90))
	case "align", "a":
		return false, e.report(ed.AutoAlign(ctx, e.current))
	case "deflicker", "d":
		return false, e.report(ed.Deflicker(ctx, e.current))
	case "gapfill", "g":
		return false, e.report(ed.GapFill(ctx, e.current))
	case "undo", "u":
		res, ok := ed.Undo(ctx)
		if !ok {
			fmt.Fprintln(e.out, "nothing to undo")
			return false, nil
		}
		e.show("undo", res)
	case "redo":
		res, ok := ed.Redo(ctx)
		if !ok {
			fmt.Fprintln(e.out, "nothing to redo")
			return false, nil
		}
		e.show("redo", res)
	case "history", "h":
		st := ed.State()
		for _, entry := range st.Undo {
			fmt.Fprintf(e.out, "  done    %s\n", entry.Name)
		}
		for i := len(st.Redo) - 1; i >= 0; i-- {
			fmt.Fprintf(e.out, "  undone  %s\n", st.Redo[i].Name)
		}
	case "ghost":
		points, ok, err := ed.PoseLandmarks(ctx, e.current)
		if err != nil {
			return false, err
		}
		if !ok {
			fmt.Fprintln(e.out, "no pose found")
			return false, nil
		}
		fmt.Fprintf(e.out, "%d landmarks\n", len(points))
	case "next", "n", "prev", "p":
		return false, e.step(ctx, name == "next" || name == "n")
	case "goto":
		if len(args) != 1 {
			return false, errors.New("goto needs a photo id")
		}
		prev := e.current
		e.current = args[0]
		if _, err := e.position(ctx); err != nil {
			e.current = prev
			return false, err
		}
	default:
		return false, fmt.Errorf("unknown command %q, type help", name)
	}
	return false, nil
}

func (e *editLoop) report(res history.Result, err error) error {
	if err != nil {
		return err
	}
	e.show("", res)
	return nil
}

func (e *editLoop) show(action string, res history.Result) {
	line := res.Outcome.String()
	if action != "" {
		line = action + ": " + line
	}
	if res.Detail != "" {
		line += " (" + res.Detail + ")"
	}
	if res.Err != nil {
		line += ": " + res.Err.Error()
	}
	fmt.Fprintln(e.out, line)
}

// position returns the index of the current photo in the timeline.
func (e *editLoop) position(ctx context.Context) (int, error) {
	photos, err := e.root.photos.Timeline(ctx)
	if err != nil {
		return 0, err
	}
	for i, p := range photos {
		if p.ID == e.current {
			return i, nil
		}
	}
	return 0, fmt.Errorf("photo %s is not in the timeline", e.current)
}

func (e *editLoop) step(ctx context.Context, forward bool) error {
	photos, err := e.root.photos.Timeline(ctx)
	if err != nil {
		return err
	}
	i, err := e.position(ctx)
	if err != nil {
		return err
	}
	if forward {
		i++
	} else {
		i--
	}
	if i < 0 || i >= len(photos) {
		return errors.New("no more photos in that direction")
	}
	e.current = photos[i].ID
	return nil
}
