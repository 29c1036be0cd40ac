package agenda

import "slices"

// jobQueue keeps claimed jobs ordered by ascending priority; the next job
// to dispatch sits at the tail. Equal priorities dispatch in claim order.
type jobQueue struct {
	jobs []*Job
}

func (q *jobQueue) insert(job *Job) {
	pos := 0
	for _, queued := range q.jobs {
		if queued.attrs.Priority < job.attrs.Priority {
			pos++
		}
	}

	q.jobs = slices.Insert(q.jobs, pos, job)
}

func (q *jobQueue) pop() *Job {
	if len(q.jobs) == 0 {
		return nil
	}

	job := q.jobs[len(q.jobs)-1]
	q.jobs = q.jobs[:len(q.jobs)-1]
	return job
}

// pushBack returns a job taken by pop to the tail, ahead of everything else.
func (q *jobQueue) pushBack(job *Job) {
	q.jobs = append(q.jobs, job)
}

func (q *jobQueue) len() int {
	return len(q.jobs)
}

func (q *jobQueue) clear() []*Job {
	jobs := q.jobs
	q.jobs = nil
	return jobs
}
