package linear

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/basket/acp-bridge/internal/bridge"
)

// DefaultAPIURL is Linear's GraphQL endpoint.
const DefaultAPIURL = "https://api.linear.app/graphql"

// APIClient is a minimal Linear GraphQL client.
type APIClient struct {
	url    string
	token  string
	client *http.Client
}

// NewAPIClient creates a client for the given access token. url == ""
// targets the production endpoint.
func NewAPIClient(token, url string) *APIClient {
	if url == "" {
		url = DefaultAPIURL
	}
	return &APIClient{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (c *APIClient) graphql(ctx context.Context, query string, variables map[string]any) (json.RawMessage, error) {
	body, err := json.Marshal(graphqlRequest{Query: query, Variables: variables})
	if err != nil {
		return nil, fmt.Errorf("linear: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("linear: request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("linear: status %d", resp.StatusCode)
	}

	var decoded graphqlResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("linear: decode response: %w", err)
	}
	if len(decoded.Errors) > 0 {
		return nil, fmt.Errorf("linear: graphql error: %s", decoded.Errors[0].Message)
	}
	return decoded.Data, nil
}

// ActivityInput describes one agent activity to create.
type ActivityInput struct {
	Type      string // thought | action | response | error | elicitation
	Body      string
	Action    string
	Parameter string
	Result    string
	Ephemeral bool
}

const activityCreateMutation = `
mutation AgentActivityCreate($input: AgentActivityCreateInput!) {
    agentActivityCreate(input: $input) {
        success
        agentActivity { id }
    }
}`

// CreateActivity posts an activity on an agent session.
func (c *APIClient) CreateActivity(ctx context.Context, sessionID string, activity ActivityInput) error {
	content := map[string]any{"type": activity.Type}
	if activity.Type == "action" {
		if activity.Action != "" {
			content["action"] = activity.Action
		}
		content["parameter"] = activity.Parameter
		if activity.Result != "" {
			content["result"] = activity.Result
		}
	} else if activity.Body != "" {
		content["body"] = activity.Body
	}

	input := map[string]any{
		"agentSessionId": sessionID,
		"content":        content,
	}
	if activity.Ephemeral && (activity.Type == "thought" || activity.Type == "action") {
		input["ephemeral"] = true
	}

	_, err := c.graphql(ctx, activityCreateMutation, map[string]any{"input": input})
	return err
}

const sessionUpdateMutation = `
mutation AgentSessionUpdate($agentSessionId: String!, $data: AgentSessionUpdateInput!) {
    agentSessionUpdate(id: $agentSessionId, input: $data) {
        success
    }
}`

// UpdateSessionPlan replaces the session's plan in full.
func (c *APIClient) UpdateSessionPlan(ctx context.Context, sessionID string, steps []bridge.PlanStep) error {
	plan := make([]map[string]any, 0, len(steps))
	for _, step := range steps {
		plan = append(plan, map[string]any{"content": step.Content, "status": step.Status})
	}
	_, err := c.graphql(ctx, sessionUpdateMutation, map[string]any{
		"agentSessionId": sessionID,
		"data":           map[string]any{"plan": plan},
	})
	return err
}

// UpdateSessionURLs attaches external links to the session.
func (c *APIClient) UpdateSessionURLs(ctx context.Context, sessionID string, urls map[string]string) error {
	list := make([]map[string]string, 0, len(urls))
	labels := make([]string, 0, len(urls))
	for label := range urls {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	for _, label := range labels {
		list = append(list, map[string]string{"label": label, "url": urls[label]})
	}
	_, err := c.graphql(ctx, sessionUpdateMutation, map[string]any{
		"agentSessionId": sessionID,
		"data":           map[string]any{"externalUrls": list},
	})
	return err
}

const startedStatesQuery = `
query TeamStartedStatuses($teamId: String!) {
    team(id: $teamId) {
        states(filter: { type: { eq: "started" } }) {
            nodes { id name position }
        }
    }
}`

// StartedStateID returns the team's first "started" workflow state id, or
// "" when the team has none.
func (c *APIClient) StartedStateID(ctx context.Context, teamID string) (string, error) {
	data, err := c.graphql(ctx, startedStatesQuery, map[string]any{"teamId": teamID})
	if err != nil {
		return "", err
	}
	var decoded struct {
		Team struct {
			States struct {
				Nodes []struct {
					ID       string  `json:"id"`
					Position float64 `json:"position"`
				} `json:"nodes"`
			} `json:"states"`
		} `json:"team"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return "", fmt.Errorf("linear: decode states: %w", err)
	}
	nodes := decoded.Team.States.Nodes
	if len(nodes) == 0 {
		return "", nil
	}
	best := nodes[0]
	for _, node := range nodes[1:] {
		if node.Position < best.Position {
			best = node
		}
	}
	return best.ID, nil
}

const issueUpdateMutation = `
mutation IssueUpdate($issueId: String!, $stateId: String!) {
    issueUpdate(id: $issueId, input: { stateId: $stateId }) {
        success
    }
}`

// UpdateIssueState moves an issue to the given workflow state.
func (c *APIClient) UpdateIssueState(ctx context.Context, issueID, stateID string) error {
	_, err := c.graphql(ctx, issueUpdateMutation, map[string]any{
		"issueId": issueID,
		"stateId": stateID,
	})
	return err
}
