package worker

import (
	"math/rand"
	"sync"

	"github.com/taskmesh/worker/pkg/comm"
	"github.com/taskmesh/worker/pkg/log"
	"github.com/taskmesh/worker/pkg/protocol"
	"golang.org/x/sync/errgroup"
)

// GatherFromWorkers fetches every key of whoHas from the advertised
// peers. Each round picks one still-eligible address per missing key
// at random, groups the picks by address and fires one get_data call
// per address concurrently. Addresses that fail are not retried; keys
// whose addresses are exhausted are reported bad. Rounds repeat until
// every key is either gathered or bad, so the call terminates after at
// most as many rounds as any key has advertised peers.
func GatherFromWorkers(whoHas map[string][]string, rpc *comm.RPC, who string, logger *log.Logger) (map[string][]byte, []string, []string) {
	results := map[string][]byte{}
	badAddrs := map[string]struct{}{}
	badKeys := []string{}

	pending := map[string][]string{}
	for key, addrs := range whoHas {
		pending[key] = append([]string{}, addrs...)
	}

	for len(pending) > 0 {
		// Round plan: one eligible address per key, grouped by address.
		plan := map[string][]string{}
		for key, addrs := range pending {
			eligible := addrs[:0:0]
			for _, addr := range addrs {
				if _, bad := badAddrs[addr]; !bad {
					eligible = append(eligible, addr)
				}
			}
			pending[key] = eligible

			if len(eligible) == 0 {
				badKeys = append(badKeys, key)
				delete(pending, key)
				continue
			}

			addr := eligible[rand.Intn(len(eligible))]
			plan[addr] = append(plan[addr], key)
		}

		if len(plan) == 0 {
			break
		}

		var mu sync.Mutex
		var group errgroup.Group

		for addr, keys := range plan {
			addr, keys := addr, keys
			group.Go(func() error {
				response, err := rpc.Call(addr, protocol.Msg{
					"op":   protocol.OpGetData,
					"keys": keys,
					"who":  who,
				})

				mu.Lock()
				defer mu.Unlock()

				if err != nil {
					logger.Debugf("get_data from %s failed: %v", addr, err)
					badAddrs[addr] = struct{}{}
					return nil
				}

				data, ok := response.(map[string]any)
				if !ok {
					badAddrs[addr] = struct{}{}
					return nil
				}

				for _, key := range keys {
					if blob := protocol.Msg(data).Bytes(key); blob != nil {
						results[key] = blob
						delete(pending, key)
					}
				}
				return nil
			})
		}
		group.Wait()

		// Keys the peer answered without are retried elsewhere; drop
		// the asked address so rounds keep making progress.
		for addr, keys := range plan {
			for _, key := range keys {
				addrs, ok := pending[key]
				if !ok {
					continue
				}
				kept := addrs[:0:0]
				for _, a := range addrs {
					if a != addr {
						kept = append(kept, a)
					}
				}
				pending[key] = kept
			}
		}
	}

	missingWorkers := make([]string, 0, len(badAddrs))
	for addr := range badAddrs {
		missingWorkers = append(missingWorkers, addr)
	}
	return results, badKeys, missingWorkers
}
