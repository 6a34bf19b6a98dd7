package cmd

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/psantana5/ffmpeg-jobs/pkg/api"
	"github.com/psantana5/ffmpeg-jobs/pkg/models"
)

var (
	// Creation flags
	jobFormat  string
	jobQuality string
	jobCodec   string
	upload     bool
	waitJob    bool

	// Status flags
	followStatus bool
	pollInterval time.Duration

	// List flags
	listBatch  string
	listStatus string
	listKind   string
	listLimit  int
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Create and inspect jobs",
	Long:  `Commands for creating conversion and download jobs on a running ffjobs service and following them to completion.`,
}

var jobsConvertCmd = &cobra.Command{
	Use:   "convert <input>",
	Short: "Convert a media file",
	Long: `Queue a conversion. Without --upload the input is a path on the service,
relative to its staging directory. With --upload the local file is sent.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsConvert,
}

var jobsDownloadCmd = &cobra.Command{
	Use:   "download <url>",
	Short: "Download remote media",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsDownload,
}

var jobsBatchCmd = &cobra.Command{
	Use:   "batch <url> [url...]",
	Short: "Download several URLs as one batch",
	Long:  `Queue one download job per URL under a shared batch id. The batch is accepted whole or rejected.`,
	Args:  cobra.MinimumNArgs(1),
	RunE:  runJobsBatch,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Get job status",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	RunE:  runJobsList,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsConvertCmd)
	jobsCmd.AddCommand(jobsDownloadCmd)
	jobsCmd.AddCommand(jobsBatchCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsListCmd)

	for _, c := range []*cobra.Command{jobsConvertCmd, jobsDownloadCmd, jobsBatchCmd} {
		c.Flags().StringVar(&jobFormat, "format", "", "target container, e.g. mp4, webm, mp3 (downloads also accept \"audio\")")
		c.Flags().StringVar(&jobQuality, "quality", "", "quality preset: 480p, 720p, 1080p, 1440p, 2160p")
	}
	jobsConvertCmd.Flags().StringVar(&jobCodec, "codec", "", "video codec, e.g. h264, hevc, vp9, av1")
	jobsConvertCmd.Flags().BoolVar(&upload, "upload", false, "upload the local input file")
	jobsConvertCmd.MarkFlagRequired("format")

	for _, c := range []*cobra.Command{jobsConvertCmd, jobsDownloadCmd} {
		c.Flags().BoolVar(&waitJob, "wait", false, "follow the job until it finishes")
	}
	for _, c := range []*cobra.Command{jobsConvertCmd, jobsDownloadCmd, jobsStatusCmd} {
		c.Flags().DurationVar(&pollInterval, "interval", time.Second, "poll interval while following")
	}
	jobsStatusCmd.Flags().BoolVar(&followStatus, "follow", false, "poll until the job reaches a terminal state")

	jobsListCmd.Flags().StringVar(&listBatch, "batch", "", "only jobs of this batch")
	jobsListCmd.Flags().StringVar(&listStatus, "status", "", "only jobs in this status")
	jobsListCmd.Flags().StringVar(&listKind, "kind", "", "only conversion or download jobs")
	jobsListCmd.Flags().IntVar(&listLimit, "limit", 0, "maximum number of jobs (0 for all)")
}

type jobsListResponse struct {
	Jobs  []*models.StatusPayload `json:"jobs"`
	Count int                     `json:"count"`
}

func runJobsConvert(cmd *cobra.Command, args []string) error {
	var accepted api.JobAccepted
	var err error
	if upload {
		accepted, err = uploadConversion(args[0])
	} else {
		err = callAPI(http.MethodPost, "/jobs/conversions", api.ConversionRequest{
			InputPath: args[0],
			Format:    jobFormat,
			Quality:   jobQuality,
			Codec:     jobCodec,
		}, http.StatusAccepted, &accepted)
	}
	if err != nil {
		return err
	}
	return reportAccepted(cmd.OutOrStdout(), accepted)
}

func uploadConversion(path string) (api.JobAccepted, error) {
	var accepted api.JobAccepted
	f, err := os.Open(path)
	if err != nil {
		return accepted, err
	}
	defer f.Close()

	// The body streams from the file so large inputs are not buffered
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", filepath.Base(path))
		if err == nil {
			_, err = io.Copy(part, f)
		}
		for _, field := range [][2]string{{"format", jobFormat}, {"quality", jobQuality}, {"codec", jobCodec}} {
			if err == nil && field[1] != "" {
				err = mw.WriteField(field[0], field[1])
			}
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequest(http.MethodPost, GetServerURL()+"/jobs/conversions", pr)
	if err != nil {
		pr.Close()
		return accepted, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	err = send(req, http.StatusAccepted, &accepted)
	pr.Close()
	return accepted, err
}

func runJobsDownload(cmd *cobra.Command, args []string) error {
	var accepted api.JobAccepted
	err := callAPI(http.MethodPost, "/jobs/downloads", api.DownloadRequest{
		URL:     args[0],
		Format:  jobFormat,
		Quality: jobQuality,
	}, http.StatusAccepted, &accepted)
	if err != nil {
		return err
	}
	return reportAccepted(cmd.OutOrStdout(), accepted)
}

func runJobsBatch(cmd *cobra.Command, args []string) error {
	var batch api.BatchAccepted
	err := callAPI(http.MethodPost, "/jobs/batches", api.BatchRequest{
		URLs:    args,
		Format:  jobFormat,
		Quality: jobQuality,
	}, http.StatusAccepted, &batch)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if IsJSONOutput() {
		return printJSON(out, batch)
	}
	table := tablewriter.NewWriter(out)
	table.Header("Job ID", "URL", "Status")
	for i, j := range batch.Jobs {
		table.Append(j.JobID, args[i], string(j.Status))
	}
	table.Render()
	fmt.Fprintf(out, "\nBatch %s queued with %d jobs\n", batch.BatchID, len(batch.Jobs))
	return nil
}

func reportAccepted(out io.Writer, accepted api.JobAccepted) error {
	if waitJob {
		result, err := followJob(accepted.JobID)
		if err != nil {
			return err
		}
		return displayJobStatus(out, result)
	}
	if IsJSONOutput() {
		return printJSON(out, accepted)
	}
	fmt.Fprintf(out, "Job %s queued (%s)\n", accepted.JobID, accepted.Kind)
	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	var result *models.StatusPayload
	var err error
	if followStatus {
		result, err = followJob(args[0])
	} else {
		result, err = fetchJobStatus(args[0])
	}
	if err != nil {
		return err
	}
	return displayJobStatus(cmd.OutOrStdout(), result)
}

func runJobsList(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if listBatch != "" {
		q.Set("batch_id", listBatch)
	}
	if listStatus != "" {
		q.Set("status", listStatus)
	}
	if listKind != "" {
		q.Set("kind", listKind)
	}
	if listLimit > 0 {
		q.Set("limit", strconv.Itoa(listLimit))
	}
	path := "/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var result jobsListResponse
	if err := callAPI(http.MethodGet, path, nil, http.StatusOK, &result); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if IsJSONOutput() {
		return printJSON(out, result)
	}
	table := tablewriter.NewWriter(out)
	table.Header("Job ID", "Kind", "Status", "Progress", "Batch", "Created", "Error")
	for _, job := range result.Jobs {
		table.Append(
			job.ID,
			string(job.Kind),
			string(job.Status),
			formatProgress(job.Progress),
			shortID(job.BatchID),
			job.CreatedAt.Format("2006-01-02 15:04:05"),
			truncate(job.Error, 40),
		)
	}
	table.Render()
	fmt.Fprintf(out, "\nTotal jobs: %d\n", result.Count)
	return nil
}

func fetchJobStatus(id string) (*models.StatusPayload, error) {
	var result models.StatusPayload
	if err := callAPI(http.MethodGet, "/jobs/"+url.PathEscape(id), nil, http.StatusOK, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// followJob polls id and draws its progress until the job is terminal
func followJob(id string) (*models.StatusPayload, error) {
	bar := progressbar.NewOptions(100,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription(shortID(id)),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionFullWidth(),
	)
	defer fmt.Fprintln(os.Stderr)

	for {
		result, err := fetchJobStatus(id)
		if err != nil {
			return nil, err
		}
		desc := fmt.Sprintf("%s %s", shortID(id), result.Status)
		if result.Progress.Estimated {
			desc += " (estimated)"
		}
		bar.Describe(desc)
		_ = bar.Set(result.Progress.Percent)

		if models.IsTerminalState(result.Status) {
			return result, nil
		}
		time.Sleep(pollInterval)
	}
}

func displayJobStatus(out io.Writer, result *models.StatusPayload) error {
	if IsJSONOutput() {
		return printJSON(out, result)
	}

	table := tablewriter.NewWriter(out)
	table.Header("Field", "Value")
	table.Append("Job ID", result.ID)
	table.Append("Kind", string(result.Kind))
	table.Append("Status", string(result.Status))
	table.Append("Progress", formatProgress(result.Progress))
	if result.Progress.FPS > 0 {
		table.Append("FPS", fmt.Sprintf("%.1f", result.Progress.FPS))
	}
	if result.Progress.BitrateKbps > 0 {
		table.Append("Bitrate", fmt.Sprintf("%.0f kbit/s", result.Progress.BitrateKbps))
	}
	if result.BatchID != "" {
		table.Append("Batch", result.BatchID)
	}
	table.Append("Created", result.CreatedAt.Format(time.RFC3339))
	if result.StartedAt != nil {
		table.Append("Started", result.StartedAt.Format(time.RFC3339))
	}
	if result.EndedAt != nil {
		table.Append("Ended", result.EndedAt.Format(time.RFC3339))
	}
	if result.Output != nil {
		table.Append("Output", result.Output.Path)
		table.Append("Size", formatBytes(result.Output.SizeBytes))
	}
	if result.Error != "" {
		table.Append("Error", result.Error)
	}
	table.Render()
	return nil
}

func formatProgress(p models.ProgressSnapshot) string {
	if p.Estimated {
		return fmt.Sprintf("~%d%%", p.Percent)
	}
	return fmt.Sprintf("%d%%", p.Percent)
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	if id == "" {
		return "-"
	}
	return id
}

func truncate(s string, n int) string {
	if s == "" {
		return "-"
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
