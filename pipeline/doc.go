/*
Package pipeline implements the ordered, extensible chains of steps applied to every outgoing
and incoming message.

An outgoing message runs through message steps (ending in recipient resolution and envelope
creation) and then, once per envelope and concurrently, through envelope steps (ending in the
transport send). An incoming envelope runs through envelope steps (ending in correlation tracking
and message materialization) and then through message steps (ending in handler dispatch).

Step lists are immutable after construction and traversed by index, so one pipeline may be
invoked concurrently.
*/
package pipeline
