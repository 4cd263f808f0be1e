package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tendant/simple-jobwatch/internal/api"
	"github.com/tendant/simple-jobwatch/internal/bus"
	"github.com/tendant/simple-jobwatch/internal/drive"
	"github.com/tendant/simple-jobwatch/internal/job"
	"github.com/tendant/simple-jobwatch/internal/tracker"
	"github.com/tendant/simple-jobwatch/pkg/schema"
)

type command func(ctx context.Context, a *app, args []string) error

var commands = map[string]command{
	"login":  runLogin,
	"files":  runFiles,
	"submit": runSubmit,
	"status": runStatus,
	"watch":  runWatch,
	"cancel": runCancel,
	"jobs":   runJobs,
	"events": runEvents,
	"logout": runLogout,
}

func (a *app) login(ctx context.Context) (api.User, error) {
	u, err := a.ctrl.Login(ctx)
	if errors.Is(err, tracker.ErrNotAuthenticated) {
		return api.User{}, fmt.Errorf("%w: sign in at %s and set JOBWATCH_SESSION_COOKIE", err, a.client.LoginURL())
	}
	return u, err
}

func runLogin(ctx context.Context, a *app, args []string) error {
	st, err := a.client.AuthStatus(ctx)
	if err != nil && !api.IsUnauthorized(err) {
		return err
	}
	if err != nil || !st.Authenticated || st.User == nil {
		fmt.Fprintf(a.out, "not signed in\nopen %s in a browser, then set JOBWATCH_SESSION_COOKIE\n", a.client.LoginURL())
		return nil
	}
	fmt.Fprintf(a.out, "signed in as %s <%s>\n", st.User.Name, st.User.Email)
	return nil
}

func runFiles(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("files", flag.ContinueOnError)
	kind := fs.String("type", "", "Only list audio or pdf files")
	recordings := fs.String("recordings-folder", "", "Only list audio files in this folder")
	pdfs := fs.String("pdf-folder", "", "Only list PDFs in this folder")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *kind != "" && *kind != string(drive.KindAudio) && *kind != string(drive.KindPDF) {
		return fmt.Errorf("invalid -type %q (want audio or pdf)", *kind)
	}

	files, err := a.client.ListFiles(ctx, api.FileQuery{FileType: *kind, RecordingsFolder: *recordings, PDFFolder: *pdfs})
	if err != nil {
		return fmt.Errorf("list files: %w", err)
	}
	if *kind != "" {
		files = drive.Filter(files, drive.Kind(*kind))
	}

	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tSIZE\tNAME")
	for _, f := range files {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", f.ID, drive.Classify(f.MimeType), drive.FormatSize(int64(f.Size)), f.Name)
	}
	return tw.Flush()
}

func runSubmit(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	fileID := fs.String("file", "", "Drive file id of the recording (required)")
	attach := fs.String("attach", "", "Comma separated drive file ids of PDF attachments")
	detach := fs.Bool("detach", false, "Return after submitting instead of watching the job")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *fileID == "" {
		return fmt.Errorf("-file is required")
	}
	var attachIDs []string
	for _, id := range strings.Split(*attach, ",") {
		if id = strings.TrimSpace(id); id != "" {
			attachIDs = append(attachIDs, id)
		}
	}

	if _, err := a.login(ctx); err != nil {
		return err
	}

	j, err := a.submit(ctx, *fileID, attachIDs)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "submitted %s as job %s\n", displayName(j), j.ID)
	if *detach {
		return nil
	}
	return a.watch(ctx)
}

// submit resolves names and MIME types from the drive listing when it can, so
// type checks run before the backend is called.
func (a *app) submit(ctx context.Context, fileID string, attachIDs []string) (job.Job, error) {
	files, err := a.client.ListFiles(ctx, api.FileQuery{})
	if err != nil {
		a.logger.Warn("drive listing unavailable, submitting by id", "err", err)
		return a.ctrl.Submit(ctx, job.Submission{FileID: fileID, AttachmentIDs: attachIDs})
	}

	byID := make(map[string]api.File, len(files))
	for _, f := range files {
		byID[f.ID] = f
	}
	lookup := func(id string) api.File {
		if f, ok := byID[id]; ok {
			return f
		}
		return api.File{ID: id}
	}
	attachments := make([]api.File, 0, len(attachIDs))
	for _, id := range attachIDs {
		attachments = append(attachments, lookup(id))
	}
	return a.ctrl.SubmitFiles(ctx, lookup(fileID), attachments)
}

func runStatus(ctx context.Context, a *app, args []string) error {
	u, err := a.login(ctx)
	if err != nil {
		return err
	}
	jobs := a.ctrl.Jobs()
	fmt.Fprintf(a.out, "%s: %d tracked jobs\n", u.Email, len(jobs))
	a.printJobs(jobs)

	counts := a.ctrl.Counts()
	fmt.Fprintf(a.out, "\npending %d  processing %d  completed %d  failed %d  cancelled %d\n",
		counts[job.StatusPending], counts[job.StatusProcessing], counts[job.StatusCompleted],
		counts[job.StatusFailed], counts[job.StatusCancelled])

	if n, err := a.ctrl.RemoteActiveCount(ctx); err != nil {
		a.logger.Warn("remote active count unavailable", "err", err)
	} else {
		fmt.Fprintf(a.out, "backend reports %d active jobs\n", n)
	}
	return nil
}

func runWatch(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	metricsAddr := fs.String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	if *metricsAddr != "" {
		srv := &http.Server{Addr: *metricsAddr, Handler: a.metricsHandler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("metrics server failed", "addr", *metricsAddr, "err", err)
			}
		}()
		a.closers = append(a.closers, func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		})
		a.logger.Info("serving metrics", "addr", *metricsAddr)
	}

	if _, err := a.login(ctx); err != nil {
		return err
	}
	if !a.ctrl.Polling() {
		fmt.Fprintln(a.out, "no active jobs")
		a.printJobs(a.ctrl.Jobs())
		return nil
	}
	return a.watch(ctx)
}

func (a *app) metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.prom, promhttp.HandlerOpts{}))
	return mux
}

// watch runs the heartbeat until polling goes idle or ctx is cancelled, then
// prints the final job table.
func (a *app) watch(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- a.ctrl.Run(runCtx) }()

	waitErr := a.ctrl.Wait(ctx)
	cancel()
	if err := <-done; err != nil {
		return err
	}

	if n, ok := a.banner.Current(); ok {
		fmt.Fprintf(a.out, "[%s] %s\n", n.Level, n.Message)
		if n.Level == schema.NoticeSessionExpired {
			fmt.Fprintf(a.out, "sign in again at %s\n", a.client.LoginURL())
		}
	}
	a.printJobs(a.ctrl.Jobs())
	if errors.Is(waitErr, context.Canceled) {
		return nil
	}
	return waitErr
}

func runCancel(ctx context.Context, a *app, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	if _, err := a.login(ctx); err != nil {
		return err
	}
	if err := a.ctrl.Cancel(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "job %s cancelled\n", args[0])
	return nil
}

func runJobs(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("jobs", flag.ContinueOnError)
	filter := fs.String("filter", string(api.FilterActive), "active, all, completed or failed")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	remote, err := a.client.ListJobs(ctx, api.Filter(*filter))
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	ids := make([]string, 0, len(remote))
	for id := range remote {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tPROGRESS\tMESSAGE")
	for _, id := range ids {
		st := remote[id]
		fmt.Fprintf(tw, "%s\t%s\t%d%%\t%s\n", id, st.Status, st.Progress, st.Message)
	}
	return tw.Flush()
}

func runEvents(ctx context.Context, a *app, args []string) error {
	if a.bus == nil {
		return fmt.Errorf("events requires NATS_URL")
	}
	subject := bus.AllSubjects(a.cfg.EventSubject)
	sub, err := a.bus.SubscribeJSON(subject, func(_ context.Context, subject string, data []byte) {
		if bus.IsNotice(subject) {
			var n schema.Notice
			if err := json.Unmarshal(data, &n); err != nil {
				a.logger.Warn("decode notice failed", "subject", subject, "err", err)
				return
			}
			fmt.Fprintf(a.out, "[%s] %s\n", n.Level, n.Message)
			return
		}
		var evt schema.JobChanged
		if err := json.Unmarshal(data, &evt); err != nil {
			a.logger.Warn("decode job event failed", "subject", subject, "err", err)
			return
		}
		fmt.Fprintf(a.out, "%s %-10s %3d%% %s\n", evt.JobID, evt.Status, evt.Progress, evt.Message)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	a.logger.Info("listening for job events", "subject", subject)
	<-ctx.Done()
	return nil
}

func runLogout(ctx context.Context, a *app, args []string) error {
	if _, err := a.ctrl.Identify(ctx); err != nil && !errors.Is(err, tracker.ErrNotAuthenticated) {
		return err
	}
	if err := a.ctrl.Logout(ctx); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "signed out")
	return nil
}

func (a *app) printJobs(jobs []job.Job) {
	if len(jobs) == 0 {
		return
	}
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tPROGRESS\tETA\tFILE\tDETAIL")
	for _, j := range jobs {
		eta := "-"
		if d, ok := a.ctrl.Remaining(j.ID); ok {
			eta = d.Round(time.Second).String()
		}
		detail := j.Message
		switch {
		case j.Status == job.StatusFailed:
			detail = j.Error
		case j.Result != nil && j.Result.DocumentURL != "":
			detail = j.Result.DocumentURL
		case j.Result != nil:
			detail = j.Result.Title
		}
		fmt.Fprintf(tw, "%s\t%s\t%d%%\t%s\t%s\t%s\n", j.ID, j.Status, j.Progress, eta, displayName(j), detail)
	}
	_ = tw.Flush()
}

func displayName(j job.Job) string {
	if j.FileName == "" {
		return "-"
	}
	if len(j.AttachmentNames) == 0 {
		return j.FileName
	}
	return fmt.Sprintf("%s (+%d pdf)", j.FileName, len(j.AttachmentNames))
}
