package qbo

import (
	"context"
	"fmt"
	"strings"
)

type accountQueryResponse struct {
	QueryResponse struct {
		Account []struct {
			ID   string `json:"Id"`
			Name string `json:"Name"`
		} `json:"Account"`
	} `json:"QueryResponse"`
}

// AccountIDByName resolves an account reference from the category mapping to
// an account id. Mapping values may carry a "1001 - " style prefix; when the
// full string finds nothing the leaf name after the last separator is tried.
func (c *Client) AccountIDByName(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", &ErrConfig{Message: "account name cannot be blank"}
	}

	id, err := c.accountLookup(ctx, name)
	if err != nil {
		return "", err
	}
	if id == "" {
		if i := strings.LastIndex(name, " - "); i >= 0 {
			id, err = c.accountLookup(ctx, strings.TrimSpace(name[i+3:]))
			if err != nil {
				return "", err
			}
		}
	}
	if id == "" {
		return "", &ErrConfig{Message: fmt.Sprintf("account %q not found", name)}
	}
	return id, nil
}

func (c *Client) accountLookup(ctx context.Context, name string) (string, error) {
	statement := fmt.Sprintf("select Id, Name from Account where Name = '%s'", escapeQueryString(name))
	var resp accountQueryResponse
	if err := c.query(ctx, statement, &resp); err != nil {
		return "", fmt.Errorf("failed to look up account %q: %w", name, err)
	}
	if len(resp.QueryResponse.Account) == 0 {
		return "", nil
	}
	return resp.QueryResponse.Account[0].ID, nil
}
