package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-tutor/internal/lesson"
	"github.com/loqalabs/loqa-tutor/internal/practice"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'validate', 'list', 'remote' or 'version'")
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "validate":
		var path string
		cmd := flag.NewFlagSet("validate", flag.ExitOnError)
		cmd.StringVar(&path, "file", "lesson.yaml", "Path to lesson file")
		_ = cmd.Parse(os.Args[2:])
		if err = runValidate(path); err == nil {
			fmt.Println("lesson valid")
		}
	case "list":
		var dir, language string
		cmd := flag.NewFlagSet("list", flag.ExitOnError)
		cmd.StringVar(&dir, "dir", "lessons", "Lesson directory")
		cmd.StringVar(&language, "language", "", "Only list lessons in this language")
		_ = cmd.Parse(os.Args[2:])
		err = runList(dir, language)
	case "remote":
		var server, language string
		cmd := flag.NewFlagSet("remote", flag.ExitOnError)
		cmd.StringVar(&server, "server", nats.DefaultURL, "Tutor bus URL")
		cmd.StringVar(&language, "language", "es", "Target language")
		_ = cmd.Parse(os.Args[2:])
		err = runRemote(server, language)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runValidate(path string) error {
	c, err := lesson.Load(path)
	if err != nil {
		return err
	}
	fmt.Printf("%s (%s): %d exercises\n", c.Metadata.ID, c.Metadata.Language, len(c.Exercises))
	return nil
}

func runList(dir, language string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	lessons, err := lesson.NewFileProvider(dir, logger).ListLessons(context.Background(), language)
	if err != nil {
		return err
	}
	for _, l := range lessons {
		printLesson(os.Stdout, l.ID, l.Language, l.Title)
	}
	return nil
}

// runRemote asks a running tutor which lessons it serves.
func runRemote(server, language string) error {
	nc, err := nats.Connect(server, nats.Name("loqa-lesson"))
	if err != nil {
		return fmt.Errorf("connect to tutor: %w", err)
	}
	defer nc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	lessons, err := practice.NewClient(nc).Lessons(ctx, language)
	if err != nil {
		return err
	}
	for _, l := range lessons {
		printLesson(os.Stdout, l.ID, l.Language, l.Title)
	}
	return nil
}

func printLesson(w io.Writer, id, language, title string) {
	fmt.Fprintf(w, "%-24s %-4s %s\n", id, language, title)
}
