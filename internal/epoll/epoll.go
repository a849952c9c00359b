// Package epoll holds the readiness wait shared by the thread dispatcher and
// the loop, so tests in any package can make it fail.
package epoll

import "golang.org/x/sys/unix"

// Wait is epoll_wait(2).
var Wait = unix.EpollWait
