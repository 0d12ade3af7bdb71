/*
Package epoll multiplexes the daemon's kernel-event descriptors (the
OOM notifier eventfds) on one epoll instance with a dedicated reader
goroutine.

Sources carry a weak back-reference to their container by name, never
a pointer: the loop cannot keep a destroyed container alive, and
handlers that look up a gone name simply drop the event. Closed fds
are pruned lazily on EPOLLHUP/EPOLLERR.
*/
package epoll
