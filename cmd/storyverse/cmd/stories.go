package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jmcleod/storyverse/client"
	"github.com/jmcleod/storyverse/form"
	"github.com/jmcleod/storyverse/session"
	"github.com/jmcleod/storyverse/story"
)

var (
	storiesJSON      bool
	storyImage       string
	storyDescription string
	storyStyle       string
	downloadOutput   string
)

var storiesCmd = &cobra.Command{
	Use:   "stories",
	Short: "List, inspect, create and download stories",
}

var storiesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your stories",
	Args:  cobra.NoArgs,
	RunE:  runStoriesList,
}

var storiesGetCmd = &cobra.Command{
	Use:   "get [id]",
	Short: "Show one story",
	Args:  cobra.ExactArgs(1),
	RunE:  runStoriesGet,
}

var storiesCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Generate a story from an image",
	Long: `Uploads an image (PNG, JPG or GIF, up to 10MB) with a description and
a style. Generation can take a while; the request waits up to --timeout.`,
	Args: cobra.NoArgs,
	RunE: runStoriesCreate,
}

var storiesDownloadCmd = &cobra.Command{
	Use:   "download [id]",
	Short: "Download the PDF of a story",
	Args:  cobra.ExactArgs(1),
	RunE:  runStoriesDownload,
}

func init() {
	for _, c := range []*cobra.Command{storiesListCmd, storiesGetCmd, storiesCreateCmd} {
		c.Flags().BoolVar(&storiesJSON, "json", false, "Output as JSON")
	}
	storiesCreateCmd.Flags().StringVar(&storyImage, "image", "", "Path to the image")
	storiesCreateCmd.Flags().StringVar(&storyDescription, "description", "", "What the story should be about")
	storiesCreateCmd.Flags().StringVar(&storyStyle, "style", "", "Visual style, e.g. watercolor")
	storiesDownloadCmd.Flags().StringVarP(&downloadOutput, "output", "o", "", "File to write (default: generated name in the current directory)")

	storiesCmd.AddCommand(storiesListCmd, storiesGetCmd, storiesCreateCmd, storiesDownloadCmd)
	rootCmd.AddCommand(storiesCmd)
}

// openSignedIn opens the runtime and refuses to continue without a session,
// as the protected pages do.
func openSignedIn(cmd *cobra.Command) (*app, error) {
	a, err := openApp(cmd)
	if err != nil {
		return nil, err
	}
	if !a.session.IsAuthenticated() {
		a.Close()
		return nil, userError(session.ErrNoSession)
	}
	return a, nil
}

func parseStoryID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid story id %q", s)
	}
	return id, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printStories(w io.Writer, stories []story.Story) error {
	if len(stories) == 0 {
		_, err := fmt.Fprintln(w, "No stories yet. Create one with: storyverse stories create")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tSTYLE\tCREATED\tPDF")
	for _, st := range stories {
		pdf := "no"
		if st.PDFURL != "" {
			pdf = "yes"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", st.ID, st.DisplayTitle(), st.Style, st.CreatedAt.Local().Format("2006-01-02 15:04"), pdf)
	}
	return tw.Flush()
}

func printStory(w io.Writer, st story.Story) {
	fmt.Fprintf(w, "%s\n\n", st.DisplayTitle())
	fmt.Fprintf(w, "ID:       %d\n", st.ID)
	fmt.Fprintf(w, "Style:    %s\n", st.Style)
	fmt.Fprintf(w, "Created:  %s\n", st.CreatedAt.Local().Format("2006-01-02 15:04"))
	fmt.Fprintf(w, "Original: %s\n", st.OriginalImage)
	fmt.Fprintf(w, "Image:    %s\n", st.CreatedImage)
	if st.PDFURL != "" {
		fmt.Fprintf(w, "PDF:      %s\n", st.PDFURL)
	}
	fmt.Fprintf(w, "\n%s\n", st.Story)
}

func runStoriesList(cmd *cobra.Command, args []string) error {
	a, err := openSignedIn(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	stories, err := a.stories.List(cmd.Context())
	if err != nil {
		return userError(err)
	}
	if storiesJSON {
		return printJSON(cmd.OutOrStdout(), stories)
	}
	return printStories(cmd.OutOrStdout(), stories)
}

func runStoriesGet(cmd *cobra.Command, args []string) error {
	id, err := parseStoryID(args[0])
	if err != nil {
		return err
	}
	a, err := openSignedIn(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	st, err := a.stories.Get(cmd.Context(), id)
	if err != nil {
		return userError(err)
	}
	if storiesJSON {
		return printJSON(cmd.OutOrStdout(), st)
	}
	printStory(cmd.OutOrStdout(), st)
	return nil
}

// openImage opens path and describes it for validation.
func openImage(path string) (*os.File, form.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, form.Image{}, fmt.Errorf("cannot read image: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, form.Image{}, fmt.Errorf("cannot read image: %w", err)
	}
	head := make([]byte, 512)
	n, _ := io.ReadFull(f, head)
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, form.Image{}, fmt.Errorf("cannot read image: %w", err)
	}
	name := filepath.Base(path)
	return f, form.Image{
		Filename:    name,
		ContentType: form.DetectContentType(head[:n], name),
		Size:        info.Size(),
	}, nil
}

func runStoriesCreate(cmd *cobra.Command, args []string) error {
	a, err := openSignedIn(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	f := form.CreateStory{Description: storyDescription, Style: storyStyle}
	var file *os.File
	if storyImage != "" {
		file, f.Image, err = openImage(storyImage)
		if err != nil {
			return err
		}
		defer file.Close()
	}
	if err := f.Validate(); err != nil {
		return userError(err)
	}

	out := cmd.OutOrStdout()
	env, err := a.stories.Create(cmd.Context(), story.CreateInput{
		Image:       file,
		Filename:    f.Image.Filename,
		ContentType: f.Image.ContentType,
		Description: f.Description,
		Style:       f.Style,
	}, story.CreateCallbacks{
		OnSuccess: func(env *client.Envelope[story.Story]) {
			if env.Message != "" && !storiesJSON {
				fmt.Fprintln(out, env.Message)
			}
		},
	})
	if err != nil {
		return userError(err)
	}
	if storiesJSON {
		return printJSON(out, env.Data)
	}
	fmt.Fprintln(out)
	printStory(out, env.Data)
	return nil
}

func runStoriesDownload(cmd *cobra.Command, args []string) error {
	id, err := parseStoryID(args[0])
	if err != nil {
		return err
	}
	a, err := openSignedIn(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	st, err := a.stories.Get(ctx, id)
	if err != nil {
		return userError(err)
	}
	doc, err := a.stories.Service().Document(ctx, st)
	if errors.Is(err, story.ErrNoDocument) {
		return fmt.Errorf("story %d has no document yet", id)
	}
	if err != nil {
		return userError(err)
	}
	defer doc.Body.Close()

	target := downloadOutput
	if target == "" {
		target = st.DocumentName()
	}
	if err := writeFile(target, doc.Body); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Saved %s\n", target)
	return nil
}

// writeFile writes r to path through a temporary file so a failed download
// leaves nothing behind.
func writeFile(path string, r io.Reader) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".storyverse-*")
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write document: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to save document: %w", err)
	}
	return nil
}
