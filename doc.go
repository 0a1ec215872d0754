// Package nbot orchestrates agentic task flows inside Jupyter notebooks.
//
// A notebook cell starting with the %%bot magic becomes an agent cell: its
// options block carries the task state, the cells above it form the prompt
// context, and a flow (a small state machine of stages) drives LLM agents
// that plan, generate code, execute it on a kernel, debug failures and
// summarise results. Flow progress, logs and evaluation records are buffered
// in the output sink and persisted back into the notebook file, so a run can
// resume from the stage it stopped at.
//
// The root package holds the flow engine, the agents and the evaluators.
// Subpackages: notebook (cell and file model), chat (LLM client and reply
// decoding), action (frontend action dispatch), output (the sink), kernel
// (code execution), eval (evaluation records), batch (headless notebook
// runs).
package nbot
