// Package harness runs YAML scenarios against a real intentd runtime.
//
// A scenario declares scripted realms, a policy table, CEL authorization
// rules and sessions, then submits a flow of intents through the lifecycle
// manager. Every run uses a fresh SQLite database, a fixed clock and
// sequential identifiers, so the resulting WAL trace is byte-for-byte
// reproducible and can be compared against golden files.
//
// # Scenario Format
//
//	name: content_upload
//	description: "What this scenario validates"
//	realms:                      # optional; built-in realms otherwise
//	  - name: billing
//	    intents:
//	      billing.charge:
//	        schema: '{"type":"object"}'
//	        artifacts:
//	          receipt: {result_type: receipt, data: "paid"}
//	        events:
//	          - type: billing.charged
//	        error: {code: declined, message: "card declined"}
//	        compensate_error: "refund failed"
//	policy:
//	  defaults: {receipt: persist}
//	rules:
//	  - {name: cap, effect: deny, expr: "intent.parameters.amount > 1000.0"}
//	sessions:
//	  - {tenant: acme, session: s-1, user: ada}
//	flow:
//	  - submit: {intent_id: i-1, intent_type: billing.charge, tenant_id: acme, session_id: s-1}
//	    expect: {status: completed, artifacts: [receipt]}
//	assertions:
//	  - type: trace_order
//	    events: [intent_received, saga_started, execution_completed]
//	  - type: final_state
//	    table: executions
//	    where: {intent_id: i-1}
//	    expect: {status: completed}
//
// # Assertion Types
//
//   - trace_contains: a WAL event appears with a matching payload subset
//   - trace_order: WAL event types appear in the given order
//   - trace_count: a WAL event type appears exactly N times
//   - final_state: a table row matches expected column values
//   - published_count: the outbox delivered N domain events of a type
//
// Trace assertions take an optional tenant to restrict them to one WAL
// partition family.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/content_upload.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(ctx, scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, msg := range result.Errors {
//	    log.Println(msg)
//	}
package harness
