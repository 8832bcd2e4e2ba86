// Package client is the AgentHub control-plane Go SDK.
//
// It covers the full platform surface: agent identity and credentials,
// scope-attenuated delegation tokens, the delegation pipeline, the
// federation trust registry, and reliability operations.
//
// # Connecting
//
// Platform integrations authenticate with a configured API key; agents
// authenticate with a bearer credential or a delegation token:
//
//	c := client.New("https://agenthub.internal:8080",
//	    client.WithAPIKey(os.Getenv("AGENTHUB_API_KEY")),
//	)
//
// # Registering an agent and issuing credentials
//
//	agent, err := c.RegisterAgent(ctx, client.RegisterAgentParams{
//	    CredentialType: "api_key",
//	    Metadata:       map[string]string{"endpoint": "https://billing.example.com"},
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	issued, _ := c.IssueCredential(ctx, agent.AgentID,
//	    []string{"invoice:read", "invoice:write"}, time.Hour)
//	// Store issued.Secret securely — it is shown exactly once.
//
// # Delegation tokens
//
// Tokens attenuate: a child's scopes must be a subset of its parent's
// and its expiry may not outlive the parent. The wire form is returned
// once at issuance:
//
//	tok, _ := c.IssueDelegationToken(ctx, client.IssueTokenParams{
//	    IssuerAgentID:  agent.AgentID,
//	    SubjectAgentID: workerID,
//	    Scopes:         []string{"invoice:read"},
//	    TTLSeconds:     3600,
//	})
//	worker := client.New(baseURL, client.WithDelegationToken(tok.WireToken))
//
// # Submitting a delegation
//
// SubmitDelegation runs the full lifecycle synchronously and returns
// the settled record. Retries are safe: an Idempotency-Key is
// generated per call and replays return the original record.
//
//	rec, err := worker.SubmitDelegation(ctx, client.SubmitDelegationParams{
//	    DelegateAgentID:  delegateID,
//	    TaskSpec:         map[string]any{"task_type": "summarize"},
//	    EstimatedCostUSD: 1.50,
//	    MaxBudgetUSD:     10.00,
//	})
//
// Denials and budget stops surface as *APIError; test for a specific
// rejection with IsCode:
//
//	if client.IsCode(err, "budget.hard_stop") {
//	    // stop retrying; the token's budget is exhausted
//	}
//
// # Operations
//
// The SLO dashboard and the breaker reset (admin secret required) back
// the operational runbook:
//
//	dash, _ := c.SLODashboard(ctx, 50)
//	if dash.CircuitBreaker.State == "open" {
//	    admin := client.New(baseURL, client.WithAdminSecret(secret))
//	    _ = admin.ResetBreaker(ctx)
//	}
package client
