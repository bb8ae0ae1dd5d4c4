package qbo

import (
	"context"
	"fmt"
	"strings"
)

type departmentQueryResponse struct {
	QueryResponse struct {
		Department []struct {
			ID   string `json:"Id"`
			Name string `json:"Name"`
		} `json:"Department"`
	} `json:"QueryResponse"`
}

// DepartmentID resolves a location name to its department id, caching
// results (including misses) for the lifetime of the client. Returns ""
// when the department does not exist; callers warn and omit the reference.
func (c *Client) DepartmentID(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", nil
	}

	c.deptMu.Lock()
	id, cached := c.deptCache[name]
	c.deptMu.Unlock()
	if cached {
		return id, nil
	}

	statement := fmt.Sprintf("select Id, Name from Department where Name = '%s'", escapeQueryString(name))
	var resp departmentQueryResponse
	if err := c.query(ctx, statement, &resp); err != nil {
		return "", fmt.Errorf("failed to look up department %q: %w", name, err)
	}

	id = ""
	if len(resp.QueryResponse.Department) > 0 {
		id = resp.QueryResponse.Department[0].ID
	}

	c.deptMu.Lock()
	c.deptCache[name] = id
	c.deptMu.Unlock()
	return id, nil
}
