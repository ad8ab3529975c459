// Package ipc is the registration channel between clients and the broker.
//
// Every participant owns one named endpoint; a client's endpoint name is
// its process name, so the broker replies by sending to msg.Name. Frames
// are single JSON datagrams encoded with sonic. A frame that does not
// decode or validate surfaces as errdefs.ErrChannel and never reaches a
// handler.
//
// Two transports are provided: UnixTransport binds unixgram sockets in a
// directory and works across processes; Hub keeps everything in memory and
// is used by tests and embedded brokers.
package ipc
