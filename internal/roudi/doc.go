/*
Package roudi implements the routing and discovery daemon: the broker every
process registers with before it may touch shared memory.

# Lifecycle

	mm, _ := shm.NewMemoryManager(cfg, id.NewRouDiID().String(), log)
	ports := roudi.NewPortManager(64)
	mm.AddBlock(ports)
	mm.CreateMemory()

	r, _ := roudi.New(mm, ports, opts)
	defer r.Shutdown(ctx)

New opens the registration channel and, unless ThreadStartDefer is set,
starts two loops: the message loop (receive with timeout, dispatch) and the
maintenance loop (dead process and keep-alive detection, introspection).

Shutdown stops both loops, empties the process table and then releases
shared state in reverse acquisition order: ports, introspection summary,
memory, relative pointer registrations.

# Sessions

Every accepted REGISTER gets a fresh session id from a counter owned by the
broker. UNREGISTER and KEEPALIVE must carry the current id; anything older
is discarded, so a late message from a previous incarnation of a process
cannot affect the new one.
*/
package roudi
