package supervisor

import "github.com/prometheus/procfs"

// descendants lists the live processes below root, walking /proc. Zombies
// are left out; they only need reaping.
func descendants(root int) ([]int, error) {
	procs, err := procfs.AllProcs()
	if err != nil {
		return nil, err
	}

	children := make(map[int][]int)
	for _, p := range procs {
		st, err := p.Stat()
		if err != nil {
			// Exited since the listing
			continue
		}
		if st.State == "Z" {
			continue
		}
		children[st.PPID] = append(children[st.PPID], p.PID)
	}

	var out []int
	queue := append([]int(nil), children[root]...)
	for len(queue) > 0 {
		pid := queue[0]
		queue = queue[1:]
		out = append(out, pid)
		queue = append(queue, children[pid]...)
	}
	return out, nil
}
