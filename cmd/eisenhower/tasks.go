package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/nhle/eisenhower/internal/app"
	"github.com/nhle/eisenhower/internal/blob"
	"github.com/nhle/eisenhower/internal/model"
	"github.com/nhle/eisenhower/internal/store"
)

const dateLayout = "2006-01-02"

func newFlagSet(name string, w io.Writer) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(w)
	return fs
}

// findTask resolves a full task ID or a unique prefix of one.
func findTask(a *app.App, ref string) (model.Task, error) {
	if t, ok := a.Tasks.Get(ref); ok {
		return t, nil
	}
	var matches []model.Task
	for _, t := range a.Tasks.Tasks() {
		if strings.HasPrefix(t.ID, ref) {
			matches = append(matches, t)
		}
	}
	switch len(matches) {
	case 0:
		return model.Task{}, fmt.Errorf("task %s: %w", ref, store.ErrNotFound)
	case 1:
		return matches[0], nil
	default:
		return model.Task{}, fmt.Errorf("task prefix %q is ambiguous (%d matches)", ref, len(matches))
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func printTask(w io.Writer, t model.Task) {
	mark := " "
	if t.Completed {
		mark = "x"
	}
	line := fmt.Sprintf("[%s] %s  %-12s %s", mark, shortID(t.ID), t.Priority, t.Title)
	if t.DueDate != nil {
		line += "  due " + t.DueDate.Format(dateLayout)
	}
	if n := len(t.Images); n > 0 {
		line += fmt.Sprintf("  (%d images)", n)
	}
	fmt.Fprintln(w, line)
}

func runAdd(_ context.Context, a *app.App, args []string, w io.Writer) error {
	fs := newFlagSet("add", w)
	desc := fs.StringP("description", "d", "", "task description")
	prio := fs.StringP("priority", "p", string(model.PriorityUnclassified), "quadrant")
	project := fs.String("project", "", "project ID")
	due := fs.String("due", "", "due date (YYYY-MM-DD)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("usage: add [flags] <title>")
	}

	p, err := model.ParsePriority(*prio)
	if err != nil {
		return err
	}
	in := store.NewTask{
		Title:       strings.Join(fs.Args(), " "),
		Description: *desc,
		Priority:    p,
		ProjectID:   *project,
	}
	if *due != "" {
		d, err := time.Parse(dateLayout, *due)
		if err != nil {
			return fmt.Errorf("parsing due date: %w", err)
		}
		in.DueDate = &d
	}

	t, err := a.Tasks.Add(in)
	if err != nil {
		return err
	}
	printTask(w, t)
	return nil
}

func runList(_ context.Context, a *app.App, args []string, w io.Writer) error {
	fs := newFlagSet("list", w)
	prio := fs.StringP("priority", "p", string(model.PriorityAll), "quadrant or all")
	status := fs.StringP("status", "s", model.StatusAll, "all, pending or completed")
	project := fs.String("project", "", "project ID")
	if err := fs.Parse(args); err != nil {
		return err
	}

	f := model.TaskFilter{Priority: model.Priority(*prio), Status: *status, ProjectID: *project}
	if err := a.Tasks.SetFilter(f); err != nil {
		return err
	}
	tasks := a.Tasks.Filtered()
	if len(tasks) == 0 {
		fmt.Fprintln(w, "no tasks")
		return nil
	}
	for _, t := range tasks {
		printTask(w, t)
	}
	return nil
}

func runMove(_ context.Context, a *app.App, args []string, w io.Writer) error {
	if len(args) != 2 {
		return errors.New("usage: move <task> <priority>")
	}
	t, err := findTask(a, args[0])
	if err != nil {
		return err
	}
	p, err := model.ParsePriority(args[1])
	if err != nil {
		return err
	}
	if err := a.Tasks.Move(t.ID, p); err != nil {
		return err
	}
	t, _ = a.Tasks.Get(t.ID)
	printTask(w, t)
	return nil
}

func runDone(_ context.Context, a *app.App, args []string, w io.Writer) error {
	if len(args) != 1 {
		return errors.New("usage: done <task>")
	}
	t, err := findTask(a, args[0])
	if err != nil {
		return err
	}
	if err := a.Tasks.ToggleCompletion(t.ID); err != nil {
		return err
	}
	t, _ = a.Tasks.Get(t.ID)
	printTask(w, t)
	return nil
}

func runDelete(ctx context.Context, a *app.App, args []string, w io.Writer) error {
	if len(args) != 1 {
		return errors.New("usage: delete <task>")
	}
	t, err := findTask(a, args[0])
	if err != nil {
		return err
	}
	res, err := a.Tasks.Delete(ctx, t.ID)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "deleted %s\n", shortID(t.ID))
	if !res.OK() {
		fmt.Fprintf(w, "warning: images %s: %v\n", res.Status, res.Err())
	}
	return nil
}

func runStats(ctx context.Context, a *app.App, _ []string, w io.Writer) error {
	s := a.Tasks.Stats()
	fmt.Fprintf(w, "%d tasks, %d completed\n", s.TotalTasks, s.CompletedTasks)
	for _, p := range model.AllPriorities {
		fmt.Fprintf(w, "  %-12s %3d  (%d done)\n", p, s.ByPriority[p], s.CompletedByPriority[p])
	}

	bs, err := a.Attachments.Stats(ctx)
	if err != nil {
		fmt.Fprintf(w, "attachments unavailable: %v\n", err)
		return nil
	}
	fmt.Fprintf(w, "%d attachments, %d bytes, %d owners\n", bs.Count, bs.TotalBytes, bs.Parents)
	fmt.Fprintf(w, "state store ~%d bytes\n", a.KV.EstimateSize())
	return nil
}

func runClassify(ctx context.Context, a *app.App, args []string, w io.Writer) error {
	for _, ref := range args {
		t, err := findTask(a, ref)
		if err != nil {
			return err
		}
		if err := a.Tasks.Select(t.ID); err != nil {
			return err
		}
	}

	c, err := a.Classifier()
	if err != nil {
		return err
	}
	report, err := a.Tasks.Classify(ctx, c)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "classified %d tasks\n", len(report.Applied))
	for _, id := range report.Applied {
		if t, ok := a.Tasks.Get(id); ok {
			printTask(w, t)
		}
	}
	if n := len(report.Invalid); n > 0 {
		fmt.Fprintf(w, "%d suggestions were not a quadrant\n", n)
	}
	return nil
}

func runAttach(ctx context.Context, a *app.App, args []string, w io.Writer) error {
	if len(args) != 2 {
		return errors.New("usage: attach <task> <file>")
	}
	t, err := findTask(a, args[0])
	if err != nil {
		return err
	}
	f, err := blob.ReadFile(args[1])
	if err != nil {
		return err
	}
	ref, err := a.Tasks.AddImage(ctx, t.ID, f)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "attached %s (%s, %d bytes) as %s\n", ref.Name, ref.MimeType, ref.Size, ref.ID)
	return nil
}

func runDetach(ctx context.Context, a *app.App, args []string, w io.Writer) error {
	if len(args) != 2 {
		return errors.New("usage: detach <task> <image-id>")
	}
	t, err := findTask(a, args[0])
	if err != nil {
		return err
	}
	if err := a.Tasks.RemoveImage(ctx, t.ID, args[1]); err != nil {
		return err
	}
	fmt.Fprintf(w, "removed %s\n", args[1])
	return nil
}
