// Package conversation implements the relay dispatcher.
//
// # Overview
//
// Service sits between the websocket and HTTP handlers and the conversation
// store. Every inbound event from a visitor or an agent goes through it:
//
//   - VisitorJoined(ctx, conn, req): create or resume a conversation and replay history
//   - AgentJoined(conn, identity): join the agent audience
//   - VisitorMessage(ctx, id, body, clientMsgID): record, show agents, maybe automate
//   - AgentMessage(ctx, id, body, identity, clientMsgID): hand off, record, deliver
//   - ToggleAutomation(ctx, id, active): explicit switch between automation and human
//   - Typing / Leave: transient presence signals
//
// # Record First, Then Act
//
// A message is appended to the store before anyone sees it. The sequence
// number the store assigns is carried by every envelope and is the only
// message identity clients need.
//
// # Automation
//
// While a conversation is automated, each visitor message starts one
// background responder call bounded by Options.ResponderTimeout. Exactly one
// automation message follows: the reply, or the fallback if the call fails
// or times out. A reply arriving after the deadline is dropped.
//
// Before anything is appended the handoff state is read again, and the append
// itself is conditional on the automation flag, so an agent who takes over
// while the responder is thinking never sees a stale automated reply land
// after their message.
//
// # Shutdown
//
// Close waits for in-flight responder calls, cancelling them if its context
// ends first.
package conversation
