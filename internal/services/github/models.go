package github

// User is a webhook sender or comment author.
type User struct {
	Login string `json:"login"`
	Type  string `json:"type"` // "User" | "Bot"
}

// Repo identifies the repository an event came from.
type Repo struct {
	FullName string `json:"full_name"` // "owner/repo"
}

// Issue is the slice of an issue (or PR, in comment events) we use.
type Issue struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Body   string `json:"body"`
}

// IssueComment is a comment on an issue or pull request.
type IssueComment struct {
	ID   int64  `json:"id"`
	Body string `json:"body"`
	User User   `json:"user"`
}

// PullRequest is the slice of a PR used by review-comment events.
type PullRequest struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
}

// IssuesPayload is the "issues" webhook body.
type IssuesPayload struct {
	Action     string `json:"action"`
	Issue      Issue  `json:"issue"`
	Repository Repo   `json:"repository"`
	Sender     User   `json:"sender"`
}

// IssueCommentPayload is the "issue_comment" webhook body.
type IssueCommentPayload struct {
	Action     string       `json:"action"`
	Issue      Issue        `json:"issue"`
	Comment    IssueComment `json:"comment"`
	Repository Repo         `json:"repository"`
	Sender     User         `json:"sender"`
}

// ReviewCommentPayload is the "pull_request_review_comment" webhook body.
type ReviewCommentPayload struct {
	Action      string       `json:"action"`
	PullRequest PullRequest  `json:"pull_request"`
	Comment     IssueComment `json:"comment"`
	Repository  Repo         `json:"repository"`
	Sender      User         `json:"sender"`
}
