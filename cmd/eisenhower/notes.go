package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/nhle/eisenhower/internal/app"
	"github.com/nhle/eisenhower/internal/blob"
	"github.com/nhle/eisenhower/internal/imageref"
	"github.com/nhle/eisenhower/internal/model"
	"github.com/nhle/eisenhower/internal/store"
)

func runProject(_ context.Context, a *app.App, args []string, w io.Writer) error {
	if len(args) == 0 {
		return errors.New("usage: project add|list|delete|select ...")
	}

	switch sub, rest := args[0], args[1:]; sub {
	case "add":
		fs := newFlagSet("project add", w)
		desc := fs.StringP("description", "d", "", "project description")
		icon := fs.String("icon", "", "project icon")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		p, err := a.Projects.Add(store.NewProject{
			Name:        strings.Join(fs.Args(), " "),
			Description: *desc,
			Icon:        *icon,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s  %s\n", p.ID, p.Name)
	case "list":
		selected := a.Projects.State().SelectedID
		for _, p := range a.Projects.Projects() {
			mark := " "
			if p.ID == selected {
				mark = "*"
			}
			fmt.Fprintf(w, "%s %s  %s\n", mark, p.ID, p.Name)
		}
	case "delete":
		if len(rest) != 1 {
			return errors.New("usage: project delete <id>")
		}
		return a.Projects.Delete(rest[0])
	case "select":
		id := ""
		if len(rest) > 0 {
			id = rest[0]
		}
		return a.Projects.Select(id)
	default:
		return fmt.Errorf("unknown project command %q", sub)
	}
	return nil
}

// noteScope loads the notes of the selected project, or of no project when
// none is selected.
func noteScope(a *app.App, project string) {
	if project == "" {
		if p, ok := a.Projects.Selected(); ok {
			project = p.ID
		}
	}
	a.Notes.LoadNotes(project)
}

func runNote(ctx context.Context, a *app.App, args []string, w io.Writer) error {
	if len(args) == 0 {
		return errors.New("usage: note add|list|show|edit|delete ...")
	}
	sub, rest := args[0], args[1:]

	fs := newFlagSet("note "+sub, w)
	project := fs.String("project", "", "project ID (defaults to the selected project)")
	content := fs.StringP("content", "c", "", "note body; - reads stdin")
	var attach []string
	if sub == "add" {
		fs.StringArrayVar(&attach, "attach", nil, "file to attach (repeatable)")
	}
	if err := fs.Parse(rest); err != nil {
		return err
	}
	defer a.Notes.ClearNotes()
	noteScope(a, *project)

	body := *content
	if body == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading note body: %w", err)
		}
		body = string(data)
	}

	switch sub {
	case "add":
		return addNote(ctx, a, strings.Join(fs.Args(), " "), body, attach, w)
	case "list":
		for _, n := range a.Notes.Notes() {
			fmt.Fprintf(w, "%s  %s  %s\n", shortID(n.ID), n.UpdatedAt, n.Title)
		}
	case "show":
		if fs.NArg() != 1 {
			return errors.New("usage: note show <id>")
		}
		n, err := findNote(a, fs.Arg(0))
		if err != nil {
			return err
		}
		return showNote(ctx, a, n, w)
	case "edit":
		if fs.NArg() < 2 {
			return errors.New("usage: note edit <id> <title> [-c content]")
		}
		n, err := findNote(a, fs.Arg(0))
		if err != nil {
			return err
		}
		if !fs.Changed("content") {
			body = n.Content
		}
		_, err = a.Notes.UpdateNote(n.ID, strings.Join(fs.Args()[1:], " "), body)
		return err
	case "delete":
		if fs.NArg() != 1 {
			return errors.New("usage: note delete <id>")
		}
		n, err := findNote(a, fs.Arg(0))
		if err != nil {
			return err
		}
		res, err := a.Notes.DeleteNote(ctx, n.ID)
		if err != nil {
			return err
		}
		if !res.OK() {
			fmt.Fprintf(w, "warning: attachments %s: %v\n", res.Status, res.Err())
		}
	default:
		return fmt.Errorf("unknown note command %q", sub)
	}
	return nil
}

// addNote saves attachments under a draft owner first so the body can
// reference them, then creates the note, which takes the attachments over.
func addNote(ctx context.Context, a *app.App, title, body string, files []string, w io.Writer) error {
	draft := ""
	if len(files) > 0 {
		draft = blob.NewDraftID()
	}
	for _, path := range files {
		f, err := blob.ReadFile(path)
		if err != nil {
			return err
		}
		att, err := a.Attachments.Save(ctx, draft, f)
		if err != nil {
			return err
		}
		body += "\n\n" + imageref.Embed(att.Name, att.ID)
	}

	res, err := a.Notes.AddNote(ctx, title, body, draft)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s  %s\n", res.Note.ID, res.Note.Title)
	if res.Transfer != nil && !res.Transfer.OK() {
		fmt.Fprintf(w, "warning: attachments stay under %s: %v\n", res.Transfer.From, res.Transfer.Err)
	}
	return nil
}

// showNote prints the note with each resolvable attachment reference
// swapped for a display URL. The URLs are released on return.
func showNote(ctx context.Context, a *app.App, n model.Note, w io.Writer) error {
	res, err := a.Resolver.Resolve(ctx, n.Content)
	if err != nil {
		return err
	}

	urls := make(map[string]string, len(res.Found))
	for id, att := range res.Found {
		h := a.URLs.Acquire(att)
		defer h.Release()
		urls[id] = h.URL()
	}
	fmt.Fprintf(w, "# %s\n\n%s\n", n.Title, imageref.Rewrite(n.Content, urls))

	if len(res.Found) > 0 {
		fmt.Fprintln(w)
		for id, att := range res.Found {
			fmt.Fprintf(w, "attachment %s: %s (%s, %d bytes)\n", id, att.Name, att.MimeType, att.Size)
		}
	}
	for _, id := range res.Missing {
		fmt.Fprintf(w, "attachment %s: missing\n", id)
	}
	return nil
}

// findNote resolves a full note ID or a unique prefix of one among the
// loaded notes.
func findNote(a *app.App, ref string) (model.Note, error) {
	if n, ok := a.Notes.GetNoteByID(ref); ok {
		return n, nil
	}
	var matches []model.Note
	for _, n := range a.Notes.Notes() {
		if strings.HasPrefix(n.ID, ref) {
			matches = append(matches, n)
		}
	}
	switch len(matches) {
	case 0:
		return model.Note{}, fmt.Errorf("note %s: %w", ref, store.ErrNotFound)
	case 1:
		return matches[0], nil
	default:
		return model.Note{}, fmt.Errorf("note prefix %q is ambiguous (%d matches)", ref, len(matches))
	}
}
