package clientcmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
)

// NewSearchCommand returns the `search` command tree. apiURL resolves
// the server base URL at call time.
func NewSearchCommand(apiURL func() string) *cobra.Command {
	searchCmd := &cobra.Command{Use: "search", Short: "Search operations"}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a search",
		RunE: func(cmd *cobra.Command, args []string) error {
			user, _ := cmd.Flags().GetString("user")
			title, _ := cmd.Flags().GetString("title")
			terms, _ := cmd.Flags().GetStringSlice("terms")
			expr, _ := cmd.Flags().GetString("filter")
			active, _ := cmd.Flags().GetBool("active")

			body := map[string]any{
				"userId":     user,
				"title":      title,
				"terms":      termList(terms),
				"expression": expr,
				"active":     active,
			}
			return postJSON(cmd, apiURL()+"/v1/searches", body)
		},
	}
	createCmd.Flags().String("user", "", "Owning user ID")
	createCmd.Flags().String("title", "", "Search title")
	createCmd.Flags().StringSlice("terms", nil, "Filter terms (keyword, #hashtag, or @user)")
	createCmd.Flags().String("filter", "", "Optional CEL refinement expression")
	createCmd.Flags().Bool("active", false, "Start streaming immediately")
	_ = createCmd.MarkFlagRequired("terms")
	searchCmd.AddCommand(createCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List searches",
		RunE: func(cmd *cobra.Command, args []string) error {
			user, _ := cmd.Flags().GetString("user")
			url := apiURL() + "/v1/searches"
			if user != "" {
				url += "?user=" + user
			}
			return getJSON(cmd, url)
		},
	}
	listCmd.Flags().String("user", "", "Filter by owning user")
	searchCmd.AddCommand(listCmd)

	showCmd := &cobra.Command{
		Use:   "show <search-id>",
		Short: "Show one search",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON(cmd, apiURL()+"/v1/searches/"+args[0])
		},
	}
	searchCmd.AddCommand(showCmd)

	startCmd := &cobra.Command{
		Use:   "start <search-id>",
		Short: "Start streaming for a search",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			announce, _ := cmd.Flags().GetString("announce")
			active := true
			body := map[string]any{"active": &active, "announceId": announce}
			return putJSON(cmd, apiURL()+"/v1/searches/"+args[0], body)
		},
	}
	startCmd.Flags().String("announce", "", "ID of the post announcing this search")
	searchCmd.AddCommand(startCmd)

	stopCmd := &cobra.Command{
		Use:   "stop <search-id>",
		Short: "Stop streaming for a search",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			active := false
			return putJSON(cmd, apiURL()+"/v1/searches/"+args[0], map[string]any{"active": &active})
		},
	}
	searchCmd.AddCommand(stopCmd)

	queueCmd := &cobra.Command{
		Use:   "queue <search-id>",
		Short: "Show queue stats for a search",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON(cmd, apiURL()+"/v1/searches/"+args[0]+"/queue")
		},
	}
	searchCmd.AddCommand(queueCmd)

	postsCmd := &cobra.Command{
		Use:   "posts <search-id>",
		Short: "List committed posts for a search",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON(cmd, apiURL()+"/v1/searches/"+args[0]+"/posts")
		},
	}
	searchCmd.AddCommand(postsCmd)

	return searchCmd
}

// NewConnectionsCommand returns the `connections` command.
func NewConnectionsCommand(apiURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "connections",
		Short: "Show upstream connection states",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON(cmd, apiURL()+"/v1/connections")
		},
	}
}

func termList(values []string) []map[string]string {
	out := make([]map[string]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		typ := "keyword"
		switch {
		case strings.HasPrefix(v, "#"):
			typ = "hashtag"
		case strings.HasPrefix(v, "@"):
			typ = "user"
		}
		out = append(out, map[string]string{"type": typ, "value": v})
	}
	return out
}

func getJSON(cmd *cobra.Command, url string) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	return printResponse(cmd, resp)
}

func postJSON(cmd *cobra.Command, url string, body any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		return err
	}
	return printResponse(cmd, resp)
}

func putJSON(cmd *cobra.Command, url string, body any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPut, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	return printResponse(cmd, resp)
}

func printResponse(cmd *cobra.Command, resp *http.Response) error {
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, b, "", "  ") == nil {
		b = pretty.Bytes()
	}
	fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(string(b)))
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}
