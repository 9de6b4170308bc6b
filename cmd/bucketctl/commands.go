package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/damacus/datalab-buckets/internal/upload"
)

func newLoginCmd(a *app) *cobra.Command {
	var username string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and keep the token pair for later commands",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if username == "" {
				return errors.New("--username is required")
			}
			password, err := a.password(cmd)
			if err != nil {
				return fmt.Errorf("read password: %w", err)
			}
			tokens, err := a.auth.Login(cmd.Context(), username, password)
			if err != nil {
				return err
			}
			if err := a.store.Save(tokens); err != nil {
				return err
			}
			user := tokens.Subject()
			if user == "" {
				user = username
			}
			a.log.Debug().Str("tokens", a.tokenFile).Msg("tokens stored")
			fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s\n", user)
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "Account name")
	return cmd
}

// password reads without echo on a terminal and one line from stdin
// otherwise.
func (a *app) password(cmd *cobra.Command) (string, error) {
	if a.interactive {
		fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
		pw, err := a.readPassword()
		fmt.Fprintln(cmd.ErrOrStderr())
		return pw, err
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func newLogoutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored token pair",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.store.Clear(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
			return nil
		},
	}
}

func newLsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ls BUCKET [FOLDER]",
		Short: "List the folders and files of a folder",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer s.Close()

			key := ""
			if len(args) == 2 {
				key = args[1]
			}
			view, err := s.Select(key)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSIZE\tMODIFIED")
			for _, f := range view.Folders {
				fmt.Fprintf(w, "%s/\t-\t-\n", f.Name)
			}
			for _, f := range view.Files {
				fmt.Fprintf(w, "%s\t%s\t%s\n", f.DisplayName, humanize.IBytes(uint64(f.Size)), f.LastModified)
			}
			return w.Flush()
		},
	}
}

func newUploadCmd(a *app) *cobra.Command {
	var (
		yes        bool
		onConflict string
	)
	cmd := &cobra.Command{
		Use:   "upload BUCKET FOLDER FILE...",
		Short: "Upload local files into a folder",
		Long: `Upload local files into a folder of a bucket. Use "" as FOLDER for the
bucket root. On a terminal you are asked about oversized batches and names
that already exist; otherwise --yes and --on-conflict answer for you.`,
		Args: cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := localFiles(args[2:])
			if err != nil {
				return err
			}

			var prompter upload.Prompter
			if a.interactive {
				prompter = newLinePrompter(cmd.InOrStdin(), cmd.ErrOrStderr())
			} else {
				if prompter, err = presetPrompter(yes, onConflict); err != nil {
					return err
				}
			}

			s, err := a.openSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer s.Close()

			if _, err := s.Select(args[1]); err != nil {
				return err
			}
			batch, items, err := s.Upload(cmd.Context(), files, prompter)
			switch {
			case errors.Is(err, upload.ErrBatchDeclined):
				fmt.Fprintln(cmd.OutOrStdout(), "Nothing uploaded")
				return nil
			case errors.Is(err, upload.ErrDecisionRequired):
				return fmt.Errorf("%w; pass --yes or --on-conflict=replace|skip", err)
			case err != nil:
				return err
			}
			for _, name := range batch.Skipped {
				fmt.Fprintf(cmd.OutOrStdout(), "skipped %s\n", name)
			}
			if len(items) == 0 {
				return nil
			}

			tracker := newQueueTracker(cmd.Context(), s.Uploads(), cmd.OutOrStdout(), a.interactive)
			return tracker.wait(cmd.Context(), items)
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Upload the rest of a batch that exceeds the limits")
	cmd.Flags().StringVar(&onConflict, "on-conflict", "", "replace or skip files that already exist")
	return cmd
}

func localFiles(paths []string) ([]upload.File, error) {
	files := make([]upload.File, 0, len(paths))
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if info.IsDir() {
			return nil, fmt.Errorf("%s is a directory", p)
		}
		files = append(files, upload.File{
			Name:   filepath.Base(p),
			Size:   info.Size(),
			Source: upload.FileSource(p),
		})
	}
	return files, nil
}

func newGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get BUCKET KEY [DEST]",
		Short: "Download one object",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			bucket, key := args[0], args[1]
			if key == "" || strings.HasSuffix(key, "/") {
				return fmt.Errorf("%q is not a file", key)
			}
			dest := path.Base(key)
			if len(args) == 3 {
				dest = args[2]
				if info, err := os.Stat(dest); err == nil && info.IsDir() {
					dest = filepath.Join(dest, path.Base(key))
				}
			}

			storage, _, _, err := a.storage(cmd.Context())
			if err != nil {
				return err
			}
			obj, size, err := storage.DownloadObject(cmd.Context(), bucket, key)
			if err != nil {
				return err
			}
			defer func() { _ = obj.Close() }()

			f, err := os.Create(dest)
			if err != nil {
				return err
			}
			bar := downloadBar(size, path.Base(key), cmd.ErrOrStderr(), a.interactive)
			n, err := io.Copy(io.MultiWriter(f, bar), obj)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				_ = os.Remove(dest)
				return err
			}
			_ = bar.Finish()
			fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s (%s)\n", key, dest, humanize.IBytes(uint64(n)))
			return nil
		},
	}
}

func newMkdirCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir BUCKET PARENT NAME",
		Short: `Create a folder; use "" as PARENT for the bucket root`,
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer s.Close()

			nav := s.Navigator()
			placeholder, err := nav.AddNewItem(args[1], "", false, nil)
			if err != nil {
				return err
			}
			key, err := nav.SaveNode(cmd.Context(), placeholder, strings.TrimSpace(args[2]))
			if err != nil && key == "" {
				_ = nav.CancelNewItem(placeholder)
				return err
			}
			if err != nil {
				a.log.Warn().Err(err).Str("folder", key).Msg("folder created but refresh failed")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", key)
			return nil
		},
	}
}

func newRmCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rm BUCKET KEY...",
		Short: "Delete files, or folders with everything below them",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer s.Close()

			n, err := s.Delete(cmd.Context(), args[1:])
			if err != nil && n == 0 {
				return err
			}
			if err != nil {
				a.log.Warn().Err(err).Msg("objects deleted but refresh failed")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d objects\n", n)
			return nil
		},
	}
}
