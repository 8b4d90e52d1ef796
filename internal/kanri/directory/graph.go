package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bdobrica/Kanri/common/version"
	"github.com/bdobrica/Kanri/internal/kanri/store"
)

// DefaultGraphURL is the Graph API root used when none is configured.
const DefaultGraphURL = "https://graph.microsoft.com/v1.0"

// GraphConfig configures a Graph directory client.
type GraphConfig struct {
	BaseURL   string
	Token     string
	TokenFunc func(ctx context.Context) (string, error)
	// ClientID is the app id whose service principal defines the roles.
	ClientID string
	Timeout  time.Duration
}

// Graph reads users and app-role assignments from a Graph-style API.
type Graph struct {
	cfg        GraphConfig
	httpClient *http.Client

	mu       sync.Mutex
	spName   string
	appRoles map[string]string // app role id -> role value
}

// NewGraph returns a Graph directory client.
func NewGraph(cfg GraphConfig) *Graph {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultGraphURL
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Graph{cfg: cfg, httpClient: &http.Client{Timeout: cfg.Timeout}}
}

// GraphError is a non-2xx response from the directory API.
type GraphError struct {
	Code    int
	Message string
}

func (e *GraphError) Error() string {
	return fmt.Sprintf("directory API error (status %d): %.300s", e.Code, e.Message)
}

func (g *Graph) get(ctx context.Context, path string, result any) error {
	target := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		target = g.cfg.BaseURL + path
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	token := g.cfg.Token
	if g.cfg.TokenFunc != nil {
		if token, err = g.cfg.TokenFunc(ctx); err != nil {
			return fmt.Errorf("failed to acquire token: %w", err)
		}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &GraphError{Code: resp.StatusCode, Message: string(body)}
	}
	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

type graphUser struct {
	ID                string `json:"id"`
	DisplayName       string `json:"displayName"`
	UserPrincipalName string `json:"userPrincipalName"`
}

type userPage struct {
	Value    []graphUser `json:"value"`
	NextLink string      `json:"@odata.nextLink"`
}

// ListUsers returns every directory user, following pagination.
func (g *Graph) ListUsers(ctx context.Context) ([]store.User, error) {
	var out []store.User
	next := "/users?$select=id,displayName,userPrincipalName&$top=999"
	for next != "" {
		var page userPage
		if err := g.get(ctx, next, &page); err != nil {
			return nil, fmt.Errorf("failed to list users: %w", err)
		}
		for _, u := range page.Value {
			out = append(out, store.User{ID: u.ID, DisplayName: u.DisplayName, Email: u.UserPrincipalName})
		}
		next = page.NextLink
	}
	return out, nil
}

type roleAssignment struct {
	AppRoleID           string `json:"appRoleId"`
	ResourceDisplayName string `json:"resourceDisplayName"`
}

type servicePrincipal struct {
	DisplayName string `json:"displayName"`
	AppRoles    []struct {
		ID    string `json:"id"`
		Value string `json:"value"`
	} `json:"appRoles"`
}

// UserRoles returns the role values assigned to userID on this
// application's service principal.
func (g *Graph) UserRoles(ctx context.Context, userID string) ([]string, error) {
	var assignments struct {
		Value []roleAssignment `json:"value"`
	}
	if err := g.get(ctx, "/users/"+url.PathEscape(userID)+"/appRoleAssignments", &assignments); err != nil {
		return nil, fmt.Errorf("failed to list role assignments: %w", err)
	}
	if len(assignments.Value) == 0 {
		return nil, nil
	}

	spName, appRoles, err := g.loadAppRoles(ctx)
	if err != nil {
		return nil, err
	}
	var roles []string
	for _, a := range assignments.Value {
		if a.ResourceDisplayName != spName {
			continue
		}
		if v, ok := appRoles[a.AppRoleID]; ok {
			roles = append(roles, v)
		}
	}
	return roles, nil
}

// loadAppRoles fetches the application's role definitions once.
func (g *Graph) loadAppRoles(ctx context.Context) (string, map[string]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.appRoles != nil {
		return g.spName, g.appRoles, nil
	}

	q := url.Values{}
	q.Set("$filter", fmt.Sprintf("appId eq '%s'", g.cfg.ClientID))
	q.Set("$select", "appRoles,displayName")
	var sps struct {
		Value []servicePrincipal `json:"value"`
	}
	if err := g.get(ctx, "/servicePrincipals?"+q.Encode(), &sps); err != nil {
		return "", nil, fmt.Errorf("failed to load service principal: %w", err)
	}
	if len(sps.Value) == 0 {
		return "", nil, fmt.Errorf("no service principal for app id %q", g.cfg.ClientID)
	}
	sp := sps.Value[0]
	roles := make(map[string]string, len(sp.AppRoles))
	for _, r := range sp.AppRoles {
		roles[r.ID] = r.Value
	}
	g.spName, g.appRoles = sp.DisplayName, roles
	return g.spName, g.appRoles, nil
}
