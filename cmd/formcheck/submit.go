package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bdougie/formcheck/internal/queue"
)

var submitReq queue.Request

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Queue a video for analysis",
	Example: `  formcheck submit --video /data/squat.mp4 --user u42 --exercise back_squat --tier pro`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rc, err := connectRedis(ctx)
		if err != nil {
			return err
		}
		defer rc.Close()

		id, err := queue.Enqueue(ctx, rc.Client(), cfg.Stream.Stream, submitReq)
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	},
}

func init() {
	f := submitCmd.Flags()
	f.StringVar(&submitReq.VideoRef, "video", "", "path of the video file")
	f.StringVar(&submitReq.UserID, "user", "", "user id")
	f.StringVar(&submitReq.ExerciseID, "exercise", "", "exercise id from the reference catalog")
	f.StringVar(&submitReq.Tier, "tier", "", "subscription tier used for queue priority")
	f.BoolVar(&submitReq.SkipCache, "skip-cache", false, "ignore cached results for this video")
	f.StringVar(&submitReq.JobID, "id", "", "job id (generated when empty)")
	for _, name := range []string{"video", "user", "exercise"} {
		_ = submitCmd.MarkFlagRequired(name)
	}
	rootCmd.AddCommand(submitCmd)
}
